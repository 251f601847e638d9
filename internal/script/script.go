//go:build !no_scripts

package script

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Meta is the optional JSON header on the first line of a script:
//
//	-- {"name": "Thermostat", "enabled": true}
type Meta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// Script is one .lua file from the scripts directory.
type Script struct {
	ID       string `json:"id"` // filename stem
	Meta     Meta   `json:"meta"`
	Code     string `json:"-"`
	FilePath string `json:"-"`
}

// Enabled reports whether the script should run. Scripts without a header
// or without an "enabled" key run.
func (s *Script) Enabled() bool {
	return s.Meta.Enabled == nil || *s.Meta.Enabled
}

// List reads every .lua file in dir, sorted by ID. A missing directory
// yields no scripts.
func List(dir string) ([]*Script, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	var scripts []*Script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		s, err := parseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

func parseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	s := &Script{
		ID:       strings.TrimSuffix(filepath.Base(path), ".lua"),
		FilePath: path,
		Code:     string(data),
	}
	// The header stays in Code; Lua reads it as a comment.
	first, _, _ := strings.Cut(s.Code, "\n")
	if strings.HasPrefix(first, "-- {") {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, "-- ")), &s.Meta); err != nil {
			slog.Warn("script metadata parse error", "file", path, "err", err)
		}
	}
	if s.Meta.Name == "" {
		s.Meta.Name = s.ID
	}
	return s, nil
}
