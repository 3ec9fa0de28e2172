// Package profile describes how statements are translated for one target:
// the norm, identifier quoting, owner prefixing, keyword escaping,
// function rules and cache tuning.
//
// Profiles are built in code with Builder or loaded from a YAML file.
package profile

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ha1tch/sqlconv/pkg/cache"
	"github.com/ha1tch/sqlconv/pkg/dialect"
	"github.com/ha1tch/sqlconv/pkg/errors"
	"github.com/ha1tch/sqlconv/pkg/rules"
)

// Profile is a complete translation setup for one target.
type Profile struct {
	Name string       `yaml:"name"`
	Norm dialect.Norm `yaml:"norm"`

	// Quoting is the identifier quoting mode used on render. Empty means
	// the norm's default.
	Quoting string `yaml:"quoting,omitempty"`

	// Placeholders is the bind parameter style: question (default),
	// dollar, at or named.
	Placeholders string `yaml:"placeholders,omitempty"`

	// Owner qualifies unqualified table names. Empty disables the rule.
	Owner  string `yaml:"owner,omitempty"`
	Linker string `yaml:"linker,omitempty"`

	Keywords KeywordSpec `yaml:"keywords,omitempty"`

	// Preset names a built-in function rule set (sqlite, postgres,
	// sqlserver, dm). Functions registered below override it.
	Preset    string         `yaml:"preset,omitempty"`
	Functions []FunctionSpec `yaml:"functions,omitempty"`

	Cache CacheSpec `yaml:"cache,omitempty"`
}

// KeywordSpec configures keyword escaping of column names.
type KeywordSpec struct {
	Enabled bool `yaml:"enabled"`

	// Escape is single, double, backtick or bracket. Default single.
	Escape string `yaml:"escape,omitempty"`

	// Extra keywords are added to the default set.
	Extra []string `yaml:"extra,omitempty"`

	// Only replaces the default set entirely when non-empty.
	Only []string `yaml:"only,omitempty"`
}

// FunctionSpec declares a function rule. Exactly one shape applies:
// Template, then Args (reorder), then Rename.
type FunctionSpec struct {
	Name     string `yaml:"name"`
	Rename   string `yaml:"rename,omitempty"`
	Args     []int  `yaml:"args,omitempty"`
	Template string `yaml:"template,omitempty"`
}

// CacheSpec configures the translation cache.
type CacheSpec struct {
	Enabled                 bool          `yaml:"enabled"`
	ExpiredTime             time.Duration `yaml:"expired_time,omitempty"`
	BufferTime              time.Duration `yaml:"buffer_time,omitempty"`
	MinUseThreshold         int64         `yaml:"min_use_threshold,omitempty"`
	MandatoryCleanThreshold int           `yaml:"mandatory_clean_threshold,omitempty"`
}

// Config converts s to a cache configuration. Zero fields take the
// cache defaults.
func (s CacheSpec) Config() cache.Config {
	cfg := cache.DefaultConfig()
	if s.ExpiredTime > 0 {
		cfg.ExpiredTime = s.ExpiredTime
	}
	if s.BufferTime > 0 {
		cfg.BufferTime = s.BufferTime
	}
	if s.MinUseThreshold > 0 {
		cfg.MinUseThreshold = s.MinUseThreshold
	}
	if s.MandatoryCleanThreshold > 0 {
		cfg.MandatoryCleanThreshold = s.MandatoryCleanThreshold
	}
	return cfg
}

// QuotingMode resolves the render quoting.
func (p *Profile) QuotingMode() (dialect.Quoting, error) {
	if strings.TrimSpace(p.Quoting) == "" {
		return p.Norm.DefaultQuoting(), nil
	}
	return dialect.ParseQuoting(p.Quoting)
}

// PlaceholderStyle resolves the bind parameter style.
func (p *Profile) PlaceholderStyle() (dialect.Placeholder, error) {
	return dialect.ParsePlaceholder(p.Placeholders)
}

// LinkerRune returns the owner linker, '.' when unset.
func (p *Profile) LinkerRune() rune {
	if p.Linker == "" {
		return rules.DefaultLinker
	}
	r, _ := utf8.DecodeRuneInString(p.Linker)
	return r
}

// Rules builds the rules this profile declares, in registration order:
// owner, keyword escaper, preset functions, then explicit functions.
// Explicit functions must be registered with override intent so they can
// replace preset entries; two explicit entries for the same function name
// (case-insensitive) are an error.
func (p *Profile) Rules() (base []rules.Rule, functions []*rules.FunctionRule, err error) {
	if p.Owner != "" {
		owner := rules.NewOwnerOfTable(p.Owner)
		owner.Linker = p.LinkerRune()
		owner.For = p.Norm
		base = append(base, owner)
	}

	if p.Keywords.Enabled {
		escape, err := rules.EscapeFuncByName(p.Keywords.Escape)
		if err != nil {
			return nil, nil, err
		}
		if len(p.Keywords.Only) > 0 {
			base = append(base, rules.NewKeywordEscaperOnly(escape, p.Keywords.Only...))
		} else {
			base = append(base, rules.NewKeywordEscaper(escape, p.Keywords.Extra...))
		}
	}

	if p.Preset != "" {
		preset, err := rules.Preset(p.Preset)
		if err != nil {
			return nil, nil, err
		}
		base = appendFunctions(base, preset)
	}

	seen := make(map[string]bool, len(p.Functions))
	for _, spec := range p.Functions {
		fr, err := spec.Rule()
		if err != nil {
			return nil, nil, err
		}
		key := strings.ToUpper(strings.TrimSpace(spec.Name))
		if seen[key] {
			return nil, nil, fmt.Errorf("function %s declared twice", spec.Name)
		}
		seen[key] = true
		functions = append(functions, fr)
	}
	return base, functions, nil
}

func appendFunctions(dst []rules.Rule, fns []*rules.FunctionRule) []rules.Rule {
	for _, fr := range fns {
		dst = append(dst, fr)
	}
	return dst
}

// Rule builds the function rule s declares.
func (s FunctionSpec) Rule() (*rules.FunctionRule, error) {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return nil, fmt.Errorf("function rule without a name")
	case s.Template != "":
		return rules.Template(s.Name, s.Template), nil
	case len(s.Args) > 0:
		for _, n := range s.Args {
			if n < 1 {
				return nil, fmt.Errorf("function %s: argument positions start at 1, got %d", s.Name, n)
			}
		}
		return rules.ReorderArgs(s.Name, s.Rename, s.Args...), nil
	case s.Rename != "":
		return rules.Rename(s.Name, s.Rename), nil
	default:
		return nil, fmt.Errorf("function %s: needs rename, args or template", s.Name)
	}
}

// Validate checks the profile without building anything.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return validationError(p, "profile name is required")
	}
	norm, err := dialect.ParseNorm(string(p.Norm))
	if err != nil {
		return validationError(p, err.Error())
	}
	p.Norm = norm

	if _, err := p.QuotingMode(); err != nil {
		return validationError(p, err.Error())
	}
	if _, err := p.PlaceholderStyle(); err != nil {
		return validationError(p, err.Error())
	}
	if utf8.RuneCountInString(p.Linker) > 1 {
		return validationError(p, fmt.Sprintf("linker must be a single character, got %q", p.Linker))
	}
	if _, _, err := p.Rules(); err != nil {
		return validationError(p, err.Error())
	}

	c := p.Cache
	if c.ExpiredTime < 0 || c.BufferTime < 0 || c.MinUseThreshold < 0 || c.MandatoryCleanThreshold < 0 {
		return validationError(p, "cache settings must not be negative")
	}
	return nil
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.Keywords.Extra = append([]string(nil), p.Keywords.Extra...)
	cp.Keywords.Only = append([]string(nil), p.Keywords.Only...)
	if p.Functions != nil {
		cp.Functions = make([]FunctionSpec, len(p.Functions))
		for i, f := range p.Functions {
			f.Args = append([]int(nil), f.Args...)
			cp.Functions[i] = f
		}
	}
	return &cp
}

func validationError(p *Profile, msg string) error {
	return errors.New(errors.ErrCodeConfigValidation, msg).
		WithField("profile", p.Name).
		WithOp("Profile.Validate").
		Err()
}
