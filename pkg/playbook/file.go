package playbook

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk playbook format.
type File struct {
	Scripts []Script `yaml:"scripts"`
}

// LoadFile reads and validates a YAML playbook file.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("playbook: open %q: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a YAML playbook from r. Unknown fields are rejected.
func Decode(r io.Reader) (*File, error) {
	var pf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("playbook: decode: %w", err)
	}
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	return &pf, nil
}

// Validate checks that every script has an intent, a script text and at
// least one phrase, and that intents are unique.
func (f *File) Validate() error {
	var errs []error
	if len(f.Scripts) == 0 {
		errs = append(errs, errors.New("playbook: no scripts defined"))
	}
	seen := make(map[string]bool, len(f.Scripts))
	for i, s := range f.Scripts {
		prefix := fmt.Sprintf("playbook: scripts[%d]", i)
		if strings.TrimSpace(s.Intent) == "" {
			errs = append(errs, fmt.Errorf("%s: intent is required", prefix))
		} else if seen[s.Intent] {
			errs = append(errs, fmt.Errorf("%s: duplicate intent %q", prefix, s.Intent))
		}
		seen[s.Intent] = true
		if strings.TrimSpace(s.Script) == "" {
			errs = append(errs, fmt.Errorf("%s: script is required", prefix))
		}
		if len(s.Phrases) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one phrase is required", prefix))
		}
		for j, p := range s.Phrases {
			if strings.TrimSpace(p) == "" {
				errs = append(errs, fmt.Errorf("%s.phrases[%d]: phrase is empty", prefix, j))
			}
		}
	}
	return errors.Join(errs...)
}
