package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the top-level structure of a command seed YAML file. It is used
// to populate the in-memory and SQLite stores for local development.
//
// Example:
//
//	commands:
//	  - id: cmd-001
//	    command_text: bugünkü siparişleri göster
//	    variations: [bugünün siparişleri, siparişleri göster]
//	    action_type: SHOW_DAILY_ORDERS
//	    target_page: /orders
//	    min_confidence: 0.8
//	    is_active: true
type SeedFile struct {
	Commands []Command `yaml:"commands"`
}

// Seeder is implemented by stores that accept bulk command imports.
type Seeder interface {
	SeedCommands(ctx context.Context, cmds []Command) (int, error)
}

// LoadSeedFile reads and parses a command seed file from disk.
func LoadSeedFile(path string) (*SeedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("command: open seed file %q: %w", path, err)
	}
	defer f.Close()

	sf, err := LoadSeedFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("command: parse seed file %q: %w", path, err)
	}
	return sf, nil
}

// LoadSeedFromReader parses seed YAML from r and validates every command.
// Duplicate IDs are rejected.
func LoadSeedFromReader(r io.Reader) (*SeedFile, error) {
	var sf SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("command: decode seed yaml: %w", err)
	}

	var errs []error
	seen := make(map[string]int, len(sf.Commands))
	for i := range sf.Commands {
		c := &sf.Commands[i]
		if err := c.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("commands[%d]: %w", i, err))
			continue
		}
		if prev, ok := seen[c.ID]; ok {
			errs = append(errs, fmt.Errorf("commands[%d]: id %q is a duplicate of commands[%d]", i, c.ID, prev))
		}
		seen[c.ID] = i
		if c.Variations == nil {
			c.Variations = []string{}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &sf, nil
}

// Import seeds every command of sf into s.
func Import(ctx context.Context, s Seeder, sf *SeedFile) (int, error) {
	if sf == nil {
		return 0, errors.New("command: seed file must not be nil")
	}
	n, err := s.SeedCommands(ctx, sf.Commands)
	if err != nil {
		return n, fmt.Errorf("command: import seed: %w", err)
	}
	return n, nil
}
