// Package translate turns source SQL text into target SQL text.
//
// A Translator owns one rule registry, one rewrite engine, one renderer
// and, when its profile enables it, one translation cache. A Service holds
// a Translator per profile and swaps them when profiles are reloaded.
package translate

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xwb1989/sqlparser"

	"github.com/ha1tch/sqlconv/pkg/cache"
	"github.com/ha1tch/sqlconv/pkg/dialect"
	"github.com/ha1tch/sqlconv/pkg/errors"
	"github.com/ha1tch/sqlconv/pkg/log"
	"github.com/ha1tch/sqlconv/pkg/profile"
	"github.com/ha1tch/sqlconv/pkg/rewrite"
	"github.com/ha1tch/sqlconv/pkg/rules"
)

// ErrTranslatorClosed is returned by Translate after Close.
var ErrTranslatorClosed = errors.New(errors.ErrCodeTranslatorClosed, "translator is closed").Err()

// StatementKind classifies a parsed statement for binding lookup.
type StatementKind int

const (
	KindUnknown StatementKind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
)

func (k StatementKind) String() string {
	switch k {
	case KindSelect:
		return "SELECT"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// binding rewrites one statement kind.
type binding func(e *rewrite.Engine, stmt sqlparser.Statement) (sqlparser.SQLNode, error)

func rewriteStatement(e *rewrite.Engine, stmt sqlparser.Statement) (sqlparser.SQLNode, error) {
	return e.Rewrite(stmt, false)
}

var bindings = map[StatementKind]binding{
	KindSelect: rewriteStatement,
	KindInsert: rewriteStatement,
	KindUpdate: rewriteStatement,
	KindDelete: rewriteStatement,
}

// classify returns the binding kind of stmt and a display name. UNION and
// parenthesised selects bind as SELECT, REPLACE as INSERT.
func classify(stmt sqlparser.Statement) (StatementKind, string) {
	switch s := stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect:
		return KindSelect, "SELECT"
	case *sqlparser.Insert:
		return KindInsert, strings.ToUpper(s.Action)
	case *sqlparser.Update:
		return KindUpdate, "UPDATE"
	case *sqlparser.Delete:
		return KindDelete, "DELETE"
	case *sqlparser.DDL:
		return KindUnknown, strings.ToUpper(s.Action)
	default:
		name := strings.TrimPrefix(fmt.Sprintf("%T", stmt), "*sqlparser.")
		return KindUnknown, strings.ToUpper(name)
	}
}

// Stats counts translator activity.
type Stats struct {
	Translations int64
	CacheHits    int64
	Failures     int64
	Cache        *cache.Stats
}

// Translator translates statements for one profile. It is safe for
// concurrent use.
type Translator struct {
	profile  *profile.Profile
	registry *rules.Registry
	engine   *rewrite.Engine
	renderer *dialect.Renderer
	cache    *cache.Cache
	logger   *log.Logger
	log      *log.FieldLogger // translate category, profile field set

	// mu is held shared by Translate and exclusively by Close, so a
	// translation never runs against a torn-down registry.
	mu     sync.RWMutex
	closed atomic.Bool

	translations, cacheHits, failures atomic.Int64
}

type options struct {
	logger   *log.Logger
	teardown sync.Locker
	clock    func() time.Time
	noCache  bool
}

// Option configures a Translator.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTeardownLock sets the lock shared by the registry and cache teardown.
func WithTeardownLock(l sync.Locker) Option {
	return func(o *options) {
		o.teardown = l
	}
}

// WithClock replaces the cache clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// WithoutCache disables the cache whatever the profile says.
func WithoutCache() Option {
	return func(o *options) {
		o.noCache = true
	}
}

// New builds a translator for p. Rule configuration problems are returned
// as configuration errors.
func New(p *profile.Profile, opts ...Option) (*Translator, error) {
	o := options{logger: log.Default(), teardown: &sync.Mutex{}}
	for _, opt := range opts {
		opt(&o)
	}

	p = p.Clone()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	quoting, err := p.QuotingMode()
	if err != nil {
		return nil, err
	}
	placeholders, err := p.PlaceholderStyle()
	if err != nil {
		return nil, err
	}

	reg, err := buildRegistry(p, o)
	if err != nil {
		return nil, err
	}

	t := &Translator{
		profile:  p,
		registry: reg,
		engine:   rewrite.New(reg),
		renderer: dialect.NewRenderer(quoting).WithPlaceholders(placeholders),
		logger:   o.logger,
		log:      o.logger.Translate().WithFields("profile", p.Name),
	}

	if p.Cache.Enabled && !o.noCache {
		copts := []cache.Option{
			cache.WithLogger(o.logger),
			cache.WithTeardownLock(o.teardown),
		}
		if o.clock != nil {
			copts = append(copts, cache.WithClock(o.clock))
		}
		t.cache = cache.New(p.Cache.Config(), copts...)
	}

	o.logger.Config().Info("translator ready",
		"profile", p.Name,
		"norm", p.Norm.String(),
		"quoting", quoting.String(),
		"rules", reg.Len(),
		"cache", t.cache != nil,
	)
	return t, nil
}

func buildRegistry(p *profile.Profile, o options) (*rules.Registry, error) {
	base, functions, err := p.Rules()
	if err != nil {
		return nil, errors.Configuration("%v", err).
			WithField("profile", p.Name).
			WithOp("translate.New").
			Err()
	}

	reg := rules.NewRegistry(p.Norm,
		rules.WithLogger(o.logger),
		rules.WithTeardownLock(o.teardown),
	)
	for _, r := range base {
		if err := reg.Register(r); err != nil {
			reg.Close()
			return nil, err
		}
	}
	// Explicit functions replace preset entries of the same name.
	for _, fr := range functions {
		if err := reg.RegisterOverride(fr); err != nil {
			reg.Close()
			return nil, err
		}
	}
	reg.Seal()
	return reg, nil
}

// Profile returns a copy of the translator's profile.
func (t *Translator) Profile() *profile.Profile {
	return t.profile.Clone()
}

// Name is the profile name.
func (t *Translator) Name() string {
	return t.profile.Name
}

// Cache returns the translation cache, or nil when caching is off.
func (t *Translator) Cache() *cache.Cache {
	return t.cache
}

// Translate rewrites sqlText for the target. Cached results are returned
// as-is; otherwise the text is parsed, rewritten by the binding for its
// statement kind, rendered and cached.
func (t *Translator) Translate(sqlText string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		return "", ErrTranslatorClosed
	}

	if t.cache != nil {
		if out, ok := t.cache.Get(sqlText); ok {
			t.cacheHits.Add(1)
			t.log.Debug("translation served from cache")
			return out, nil
		}
	}

	start := time.Now()
	out, kind, err := t.translate(sqlText)
	if err != nil {
		t.failures.Add(1)
		t.log.Debug("translation failed",
			"code", errors.GetCode(err).String(),
			"severity", errors.GetSeverity(err).String(),
			"error", err.Error(),
		)
		return "", err
	}
	t.translations.Add(1)

	if t.cache != nil {
		t.cache.Put(sqlText, out)
	}

	t.log.Debug("statement translated", "kind", kind.String())
	if t.logger.Enabled(log.CategoryPerformance, log.LevelDebug) {
		t.logger.Performance().Debug("statement timing",
			"profile", t.profile.Name,
			"kind", kind.String(),
			"duration_us", time.Since(start).Microseconds(),
		)
	}
	return out, nil
}

func (t *Translator) translate(sqlText string) (string, StatementKind, error) {
	stmt, markers, err := dialect.ParseStatement(sqlText)
	if err != nil {
		return "", KindUnknown, err
	}

	kind, name := classify(stmt)
	bind, ok := bindings[kind]
	if !ok {
		return "", kind, errors.Unsupported(name).
			WithField("profile", t.profile.Name).
			WithOp("Translator.Translate").
			Err()
	}

	node, err := bind(t.engine, stmt)
	if err != nil {
		return "", kind, err
	}
	return t.renderer.WithPositional(markers).Render(node), kind, nil
}

// TranslateScript splits script on top-level semicolons and translates
// each statement. It stops at the first failure.
func (t *Translator) TranslateScript(script string) ([]string, error) {
	pieces, err := dialect.Split(script)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pieces))
	for _, p := range pieces {
		s, err := t.Translate(p)
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

// MemoryPressure forwards a low-memory signal to the cache.
func (t *Translator) MemoryPressure() {
	if t.cache != nil && !t.closed.Load() {
		t.cache.MemoryPressure()
	}
}

// Stats returns a snapshot of the translator counters.
func (t *Translator) Stats() Stats {
	s := Stats{
		Translations: t.translations.Load(),
		CacheHits:    t.cacheHits.Load(),
		Failures:     t.failures.Load(),
	}
	if t.cache != nil {
		cs := t.cache.Stats()
		s.Cache = &cs
	}
	return s
}

// Close releases the cache and the registry. Each takes the shared
// teardown lock in turn. Close is idempotent.
func (t *Translator) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Swap(true) {
		return nil
	}
	var err error
	if t.cache != nil {
		err = t.cache.Close()
	}
	t.registry.Close()
	t.logger.System().Debug("translator closed", "profile", t.profile.Name)
	return err
}

// IsParseError reports whether err came from parsing the input or a
// function rule's output.
func IsParseError(err error) bool {
	return errors.IsCategory(err, "parse")
}

// IsUnsupported reports whether err is an unsupported statement kind.
func IsUnsupported(err error) bool {
	return errors.IsCode(err, errors.ErrCodeUnsupportedStatement)
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return errors.IsCategory(err, "configuration")
}
