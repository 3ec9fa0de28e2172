package profile

import (
	"fmt"
	"time"

	"github.com/ha1tch/sqlconv/pkg/dialect"
	"github.com/ha1tch/sqlconv/pkg/rules"
)

// Builder assembles a Profile step by step.
//
//	p, err := profile.NewDM().
//		OwnerOfTableDefault("SYS").
//		KeywordTranslatorDefault("NAME").
//		EnableSQLCache().
//		Build()
type Builder struct {
	p    Profile
	errs []error
}

// NewBuilder starts a profile for the given norm.
func NewBuilder(name string, norm dialect.Norm) *Builder {
	return &Builder{p: Profile{Name: name, Norm: norm}}
}

// NewDM starts a DM profile: identifiers are rendered verbatim and
// nothing is enabled until asked for.
func NewDM() *Builder {
	b := NewBuilder("dm", dialect.NormDM)
	b.p.Quoting = dialect.QuoteNone.String()
	return b
}

// Name renames the profile.
func (b *Builder) Name(name string) *Builder {
	b.p.Name = name
	return b
}

// OwnerOfTableDefault qualifies unqualified tables with owner.
func (b *Builder) OwnerOfTableDefault(owner string) *Builder {
	return b.OwnerOfTable(owner, rules.DefaultLinker)
}

// OwnerOfTable qualifies unqualified tables with owner joined by linker.
func (b *Builder) OwnerOfTable(owner string, linker rune) *Builder {
	if owner == "" {
		b.errs = append(b.errs, fmt.Errorf("owner must not be blank"))
		return b
	}
	b.p.Owner = owner
	b.p.Linker = string(linker)
	return b
}

// KeywordTranslatorDefault escapes the default keywords plus extra with
// single quotes.
func (b *Builder) KeywordTranslatorDefault(extra ...string) *Builder {
	return b.KeywordTranslatorWith("single", extra...)
}

// KeywordTranslatorWith escapes the default keywords plus extra with the
// named escape function.
func (b *Builder) KeywordTranslatorWith(escape string, extra ...string) *Builder {
	b.p.Keywords = KeywordSpec{
		Enabled: true,
		Escape:  escape,
		Extra:   append([]string(nil), extra...),
	}
	return b
}

// EnableSQLCache turns the cache on with the stock tuning: 7 days, 1 day,
// 100 uses.
func (b *Builder) EnableSQLCache() *Builder {
	return b.EnableSQLCacheWith(7*24*time.Hour, 24*time.Hour, 100)
}

// EnableSQLCacheWith turns the cache on with explicit tuning.
func (b *Builder) EnableSQLCacheWith(expired, buffer time.Duration, minUse int64) *Builder {
	b.p.Cache.Enabled = true
	b.p.Cache.ExpiredTime = expired
	b.p.Cache.BufferTime = buffer
	b.p.Cache.MinUseThreshold = minUse
	return b
}

// Quoting sets the render quoting.
func (b *Builder) Quoting(q dialect.Quoting) *Builder {
	b.p.Quoting = q.String()
	return b
}

// Placeholders sets the bind parameter style.
func (b *Builder) Placeholders(ph dialect.Placeholder) *Builder {
	b.p.Placeholders = ph.String()
	return b
}

// Preset enables a built-in function rule set.
func (b *Builder) Preset(name string) *Builder {
	b.p.Preset = name
	return b
}

// Function adds a function rule.
func (b *Builder) Function(spec FunctionSpec) *Builder {
	b.p.Functions = append(b.p.Functions, spec)
	return b
}

// Build validates and returns the profile.
func (b *Builder) Build() (*Profile, error) {
	if len(b.errs) > 0 {
		return nil, validationError(&b.p, b.errs[0].Error())
	}
	p := b.p.Clone()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
