package rules

import (
	"sync"
	"sync/atomic"

	"github.com/ha1tch/sqlconv/pkg/dialect"
	"github.com/ha1tch/sqlconv/pkg/errors"
	"github.com/ha1tch/sqlconv/pkg/log"
)

// buckets is an immutable view of the registered rules. Registration
// publishes a new copy; readers load the current one without locking.
type buckets struct {
	tables    []TableRule
	columns   []ColumnRule
	functions map[string]*FunctionRule
	owner     bool
}

// Registry groups the rules of one profile by category.
type Registry struct {
	norm dialect.Norm

	// Configuration lock: serialises registration.
	mu      sync.Mutex
	current atomic.Pointer[buckets]
	sealed  atomic.Bool
	closed  atomic.Bool

	teardown sync.Locker
	logger   *log.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTeardownLock sets the lock taken by Close. Pass the same lock to
// every subsystem that must not tear down concurrently with this registry.
func WithTeardownLock(l sync.Locker) Option {
	return func(r *Registry) {
		r.teardown = l
	}
}

// WithLogger sets the logger used for registration events.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry for norm.
func NewRegistry(norm dialect.Norm, opts ...Option) *Registry {
	r := &Registry{
		norm:     norm,
		teardown: &sync.Mutex{},
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&buckets{functions: map[string]*FunctionRule{}})
	return r
}

// Norm returns the registry's norm.
func (r *Registry) Norm() dialect.Norm {
	return r.norm
}

// Register adds rule to its category bucket. A function rule whose name is
// already registered is rejected; use RegisterOverride to replace it.
func (r *Registry) Register(rule Rule) error {
	return r.register(rule, false)
}

// RegisterOverride adds rule, replacing a function rule with the same name.
func (r *Registry) RegisterOverride(rule Rule) error {
	return r.register(rule, true)
}

func (r *Registry) register(rule Rule, override bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rule == nil {
		return errors.Configuration("nil rule").WithOp("Registry.Register").Err()
	}
	if r.closed.Load() {
		return errors.Configuration("registry is closed").WithOp("Registry.Register").Err()
	}
	if r.sealed.Load() {
		return errors.Configuration("registry is sealed").WithOp("Registry.Register").Err()
	}
	if !r.norm.Accepts(rule.Norm()) {
		return errors.Configuration("rule for norm %s cannot be loaded into a %s registry", rule.Norm(), r.norm).
			WithField("category", rule.Category().String()).
			WithOp("Registry.Register").
			Err()
	}

	old := r.current.Load()
	next := &buckets{
		tables:    append([]TableRule(nil), old.tables...),
		columns:   append([]ColumnRule(nil), old.columns...),
		functions: make(map[string]*FunctionRule, len(old.functions)+1),
		owner:     old.owner,
	}
	for k, v := range old.functions {
		next.functions[k] = v
	}

	switch rule.Category() {
	case CategoryTable:
		tr, ok := rule.(TableRule)
		if !ok {
			return errors.Configuration("table rule %T does not implement TableRule", rule).WithOp("Registry.Register").Err()
		}
		if owner, isOwner := tr.(*OwnerOfTable); isOwner {
			if owner.Owner == "" {
				return errors.Configuration("owner of table rule has a blank owner").WithOp("Registry.Register").Err()
			}
			if next.owner {
				return errors.Configuration("only one owner of table rule may be active").
					WithField("owner", owner.Owner).
					WithOp("Registry.Register").
					Err()
			}
			next.owner = true
		}
		next.tables = append(next.tables, tr)

	case CategoryColumn:
		cr, ok := rule.(ColumnRule)
		if !ok {
			return errors.Configuration("column rule %T does not implement ColumnRule", rule).WithOp("Registry.Register").Err()
		}
		next.columns = append(next.columns, cr)

	case CategoryFunction:
		fr, ok := rule.(*FunctionRule)
		if !ok {
			return errors.Configuration("function rule %T is not a *FunctionRule", rule).WithOp("Registry.Register").Err()
		}
		key := fr.Key()
		if key == "" {
			return errors.Configuration("function rule has a blank name").WithOp("Registry.Register").Err()
		}
		if fr.Simple == nil && fr.Custom == nil {
			return errors.Configuration("function rule %s produces no translation", key).
				WithField("function", key).
				WithOp("Registry.Register").
				Err()
		}
		if _, exists := next.functions[key]; exists && !override {
			return errors.Configuration("duplicate function rule: %s", key).
				WithField("function", key).
				WithOp("Registry.Register").
				Err()
		}
		next.functions[key] = fr

	default:
		return errors.Configuration("unknown rule category %d", int(rule.Category())).WithOp("Registry.Register").Err()
	}

	r.current.Store(next)
	r.logger.Config().Debug("rule registered",
		"category", rule.Category().String(),
		"norm", string(rule.Norm()),
		"override", override,
	)
	return nil
}

// Seal ends the configuration phase. Later registrations fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// TableRules returns the table rules in registration order.
func (r *Registry) TableRules() []TableRule {
	return r.current.Load().tables
}

// ColumnRules returns the column rules in registration order.
func (r *Registry) ColumnRules() []ColumnRule {
	return r.current.Load().columns
}

// Function looks up the function rule for name, case-insensitively.
func (r *Registry) Function(name string) (*FunctionRule, bool) {
	fr, ok := r.current.Load().functions[functionKey(name)]
	return fr, ok
}

// Functions returns the registered function names.
func (r *Registry) Functions() []string {
	fns := r.current.Load().functions
	names := make([]string, 0, len(fns))
	for k := range fns {
		names = append(names, k)
	}
	return names
}

// Len returns the total number of registered rules.
func (r *Registry) Len() int {
	b := r.current.Load()
	return len(b.tables) + len(b.columns) + len(b.functions)
}

// Close drops every bucket. Callers must have stopped rewriting with this
// registry; readers that still hold it see an empty registry.
func (r *Registry) Close() {
	r.teardown.Lock()
	defer r.teardown.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Swap(true) {
		return
	}
	r.current.Store(&buckets{functions: map[string]*FunctionRule{}})
	r.logger.System().Debug("rule registry closed", "norm", string(r.norm))
}
