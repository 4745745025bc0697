// Package profiles manages YAML-based spawn profile configuration.
//
// A profile maps directory prefixes to environment overrides merged into a
// backend process's spawn environment, so different project trees can run
// with different models or permission settings without touching the global
// settings file.
package profiles

import (
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile describes spawn overrides for a set of directory prefixes.
type Profile struct {
	Name    string            `yaml:"name"`
	Prefix  string            `yaml:"prefix"`
	Env     map[string]string `yaml:"env"`
	Model   string            `yaml:"model"`
	Comment string            `yaml:"comment"`
}

// Config is the top-level YAML structure.
type Config struct {
	Profiles []Profile `yaml:"profiles"`
}

// Registry holds loaded profiles, keyed by name.
type Registry struct {
	byName map[string]*Profile
	order  []string // preserves definition order
}

// Load reads the YAML file at path and returns a Registry.
// If the file does not exist, Load returns an empty Registry (not an error).
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{byName: make(map[string]*Profile)}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	r := &Registry{
		byName: make(map[string]*Profile, len(cfg.Profiles)),
	}
	for i := range cfg.Profiles {
		p := &cfg.Profiles[i]
		r.byName[p.Name] = p
		r.order = append(r.order, p.Name)
	}
	return r, nil
}

// Get returns a profile by name. Returns (nil, false) if not found.
func (r *Registry) Get(name string) (*Profile, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// All returns all profiles in definition order.
func (r *Registry) All() []*Profile {
	result := make([]*Profile, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.byName[name])
	}
	return result
}

// Names returns a sorted list of profile names.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// ResolveEnv returns the merged environment overrides for a directory.
// Algorithm: collect every profile whose prefix matches the directory,
// sort matched prefixes shortest-to-longest, and merge their env maps in
// that order so the most specific prefix wins on key conflicts. A profile's
// Model, when set, is exposed as the AGENTPOOL_MODEL key.
// Returns an empty map if nothing matches.
func (r *Registry) ResolveEnv(directory string) map[string]string {
	type match struct {
		prefix  string
		profile *Profile
	}

	var matches []match
	for _, name := range r.order {
		p := r.byName[name]
		if p.Prefix != "" && strings.HasPrefix(directory, p.Prefix) {
			matches = append(matches, match{prefix: p.Prefix, profile: p})
		}
	}

	merged := make(map[string]string)
	if len(matches) == 0 {
		return merged
	}

	// Sort by prefix length (shortest first) so longer, more specific
	// prefixes overwrite shorter ones.
	sort.Slice(matches, func(i, j int) bool {
		return len(matches[i].prefix) < len(matches[j].prefix)
	})

	for _, m := range matches {
		for k, v := range m.profile.Env {
			merged[k] = v
		}
		if m.profile.Model != "" {
			merged["AGENTPOOL_MODEL"] = m.profile.Model
		}
	}
	return merged
}
