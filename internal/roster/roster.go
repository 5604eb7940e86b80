// Package roster loads the character catalog from a YAML file.
package roster

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ensemble/director/internal/types"
)

// ErrReservedID is returned for a character whose id is the human speaker's.
var ErrReservedID = errors.New("id " + types.UserSpeaker + " is reserved for the human speaker")

// CheckID rejects ids that cannot name a character.
func CheckID(id string) error {
	if id == types.UserSpeaker {
		return ErrReservedID
	}
	return nil
}

type file struct {
	Characters []types.Candidate `yaml:"characters"`
}

// LoadFile reads a catalog of the form
//
//	characters:
//	  - id: bob
//	    name: Bob
//	    description: A swordsman.
//	    first_mes: Hello there.
//
// An entry without an id takes its lowercased name. Duplicate ids are rejected.
func LoadFile(path string) ([]types.Candidate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) ([]types.Candidate, error) {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	seen := make(map[string]bool, len(f.Characters))
	out := make([]types.Candidate, 0, len(f.Characters))
	for i, c := range f.Characters {
		if c.ID == "" {
			c.ID = strings.ToLower(strings.TrimSpace(c.Name))
		}
		if c.ID == "" {
			return nil, fmt.Errorf("roster entry %d: missing id and name", i)
		}
		if err := CheckID(c.ID); err != nil {
			return nil, fmt.Errorf("roster entry %d: %w", i, err)
		}
		if c.Name == "" {
			c.Name = c.ID
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("roster entry %d: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out, nil
}
