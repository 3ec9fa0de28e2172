package profile

import (
	"bytes"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ha1tch/sqlconv/pkg/errors"
)

// File is the on-disk profile set.
//
//	default: dm
//	log:
//	  level: info
//	  format: text
//	profiles:
//	  - name: dm
//	    norm: dm
//	    owner: SYS
//	    keywords: {enabled: true, extra: [NAME]}
//	    cache: {enabled: true, expired_time: 168h, buffer_time: 24h}
type File struct {
	Default  string    `yaml:"default,omitempty"`
	Log      LogSpec   `yaml:"log,omitempty"`
	Profiles []Profile `yaml:"profiles"`

	path string
}

// LogSpec carries the logging settings of a profile file.
type LogSpec struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// LoadFile reads and validates a profile file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigMissing, "cannot read profile file").
			WithField("path", path).
			WithOp("profile.LoadFile").
			Err()
	}
	f, err := Parse(data)
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			e.WithField("path", path)
		}
		return nil, err
	}
	f.path = path
	return f, nil
}

// Parse decodes and validates a profile file. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.ErrCodeConfigParse, "cannot decode profile file").
			WithOp("profile.Parse").
			Err()
	}

	if len(f.Profiles) == 0 {
		return nil, errors.New(errors.ErrCodeConfigMissing, "profile file declares no profiles").
			WithOp("profile.Parse").
			Err()
	}

	seen := make(map[string]bool, len(f.Profiles))
	for i := range f.Profiles {
		p := &f.Profiles[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			return nil, errors.Newf(errors.ErrCodeConfigValidation, "duplicate profile name: %s", p.Name).
				WithField("profile", p.Name).
				WithOp("profile.Parse").
				Err()
		}
		seen[key] = true
	}

	if f.Default == "" {
		f.Default = f.Profiles[0].Name
	} else if !seen[strings.ToLower(f.Default)] {
		return nil, errors.ProfileNotFound(f.Default).WithOp("profile.Parse").Err()
	}
	return &f, nil
}

// Path is the file the set was loaded from, if any.
func (f *File) Path() string {
	return f.path
}

// Lookup returns a copy of the named profile. An empty name selects the
// default. Names match case-insensitively.
func (f *File) Lookup(name string) (*Profile, error) {
	if name == "" {
		name = f.Default
	}
	for i := range f.Profiles {
		if strings.EqualFold(f.Profiles[i].Name, name) {
			return f.Profiles[i].Clone(), nil
		}
	}
	return nil, errors.ProfileNotFound(name).WithOp("File.Lookup").Err()
}

// Names lists the profile names in file order.
func (f *File) Names() []string {
	names := make([]string, len(f.Profiles))
	for i, p := range f.Profiles {
		names[i] = p.Name
	}
	return names
}
