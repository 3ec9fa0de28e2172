package translate

import (
	"sort"
	"strings"
	"sync"

	"github.com/ha1tch/sqlconv/pkg/errors"
	"github.com/ha1tch/sqlconv/pkg/log"
	"github.com/ha1tch/sqlconv/pkg/profile"
)

// ErrServiceClosed is returned by every Service operation after Close.
var ErrServiceClosed = errors.New(errors.ErrCodeTranslatorClosed, "translation service is closed").Err()

// Service routes statements to per-profile translators. Every registry
// and cache it builds shares the service's teardown lock.
type Service struct {
	mu          sync.RWMutex
	translators map[string]*Translator
	defaultName string
	closed      bool

	teardown sync.Mutex
	logger   *log.Logger
	opts     []Option
}

// NewService creates an empty service. opts are applied to every
// translator it builds; the logger and teardown lock are the service's.
func NewService(logger *log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		translators: make(map[string]*Translator),
		logger:      logger,
		opts:        opts,
	}
}

func profileKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (s *Service) build(p *profile.Profile) (*Translator, error) {
	opts := append([]Option{}, s.opts...)
	opts = append(opts, WithLogger(s.logger), WithTeardownLock(&s.teardown))
	return New(p, opts...)
}

// Register adds a translator for p. The first registered profile becomes
// the default.
func (s *Service) Register(p *profile.Profile) error {
	t, err := s.build(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return ErrServiceClosed
	}
	key := profileKey(t.Name())
	if _, exists := s.translators[key]; exists {
		s.mu.Unlock()
		t.Close()
		return errors.Configuration("profile already registered: %s", t.Name()).
			WithField("profile", t.Name()).
			WithOp("Service.Register").
			Err()
	}
	s.translators[key] = t
	if s.defaultName == "" {
		s.defaultName = key
	}
	s.mu.Unlock()

	s.logger.Config().Info("profile registered", "profile", t.Name())
	return nil
}

// Replace installs a translator for p, registering it if new. The previous
// translator for the same name is closed after the swap; statements
// already running on it finish first.
func (s *Service) Replace(p *profile.Profile) error {
	t, err := s.build(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return ErrServiceClosed
	}
	key := profileKey(t.Name())
	old := s.translators[key]
	s.translators[key] = t
	if s.defaultName == "" {
		s.defaultName = key
	}
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.logger.Config().Info("profile replaced", "profile", t.Name(), "existed", old != nil)
	return nil
}

// Apply installs every profile of f and drops profiles f no longer
// declares. Nothing changes if any profile fails to build.
func (s *Service) Apply(f *profile.File) error {
	fresh := make(map[string]*Translator, len(f.Profiles))
	for i := range f.Profiles {
		t, err := s.build(&f.Profiles[i])
		if err != nil {
			for _, t := range fresh {
				t.Close()
			}
			return err
		}
		fresh[profileKey(t.Name())] = t
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, t := range fresh {
			t.Close()
		}
		return ErrServiceClosed
	}
	old := s.translators
	s.translators = fresh
	s.defaultName = profileKey(f.Default)
	s.mu.Unlock()

	for _, t := range old {
		t.Close()
	}
	s.logger.Config().Info("profiles applied",
		"profiles", len(fresh),
		"default", f.Default,
	)
	return nil
}

// SetDefault selects the profile used when Translate gets an empty name.
func (s *Service) SetDefault(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := profileKey(name)
	if _, ok := s.translators[key]; !ok {
		return errors.ProfileNotFound(name).WithOp("Service.SetDefault").Err()
	}
	s.defaultName = key
	return nil
}

// Translator returns the translator for name; empty selects the default.
func (s *Service) Translator(name string) (*Translator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	key := profileKey(name)
	if key == "" {
		key = s.defaultName
	}
	t, ok := s.translators[key]
	if !ok {
		return nil, errors.ProfileNotFound(name).WithOp("Service.Translate").Err()
	}
	return t, nil
}

// Translate translates sqlText with the named profile.
func (s *Service) Translate(sqlText, profileName string) (string, error) {
	for {
		t, err := s.Translator(profileName)
		if err != nil {
			return "", err
		}
		out, err := t.Translate(sqlText)
		// Lost a race with Replace or Apply: look the profile up again.
		if errors.Is(err, ErrTranslatorClosed) {
			continue
		}
		return out, err
	}
}

// Names lists the registered profiles, sorted.
func (s *Service) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.translators))
	for _, t := range s.translators {
		names = append(names, t.Name())
	}
	sort.Strings(names)
	return names
}

// MemoryPressure forwards a low-memory signal to every cache.
func (s *Service) MemoryPressure() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.translators {
		t.MemoryPressure()
	}
}

// Close tears down every translator. Later calls return ErrServiceClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	s.closed = true
	old := s.translators
	s.translators = map[string]*Translator{}
	s.mu.Unlock()

	var errs []error
	for _, t := range old {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.System().Info("translation service closed", "profiles", len(old))
	return errors.Join(errs...)
}
