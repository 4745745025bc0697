package profiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	r, err := Load("/nonexistent/path/that/does/not/exist.yml")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Empty(t, r.All())
	assert.Empty(t, r.Names())
	assert.Empty(t, r.ResolveEnv("/anything"))
}

func TestLoadValidYAML(t *testing.T) {
	const yamlContent = `
profiles:
  - name: work
    prefix: /home/user/work
    model: opus
    env:
      OPENCODE_THEME: light
  - name: scratch
    prefix: /tmp
    env:
      OPENCODE_THEME: dark
`
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	r, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, r)

	all := r.All()
	assert.Len(t, all, 2)
	assert.Equal(t, "work", all[0].Name)
	assert.Equal(t, "scratch", all[1].Name)

	p, ok := r.Get("work")
	require.True(t, ok)
	assert.Equal(t, "/home/user/work", p.Prefix)
	assert.Equal(t, "opus", p.Model)

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte(":\tinvalid:\tyaml:\t[unclosed"), 0600))

	r, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, r)
}

func TestNames(t *testing.T) {
	const yamlContent = `
profiles:
  - name: zebra
    prefix: /z
  - name: alpha
    prefix: /a
  - name: mango
    prefix: /m
`
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	r, err := Load(path)
	require.NoError(t, err)

	names := r.Names()
	assert.Equal(t, []string{"alpha", "mango", "zebra"}, names)

	// All() preserves definition order (zebra, alpha, mango)
	all := r.All()
	assert.Equal(t, "zebra", all[0].Name)
	assert.Equal(t, "alpha", all[1].Name)
	assert.Equal(t, "mango", all[2].Name)
}

func TestResolveEnv(t *testing.T) {
	const yamlContent = `
profiles:
  - name: everything
    prefix: /home
    env:
      OPENCODE_THEME: light
      SHARED: base
  - name: work
    prefix: /home/user/work
    model: opus
    env:
      SHARED: work
`
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	r, err := Load(path)
	require.NoError(t, err)

	tests := []struct {
		name      string
		directory string
		expected  map[string]string
	}{
		{
			name:      "both prefixes match, longest wins on conflict",
			directory: "/home/user/work/api",
			expected: map[string]string{
				"OPENCODE_THEME":  "light",
				"SHARED":          "work",
				"AGENTPOOL_MODEL": "opus",
			},
		},
		{
			name:      "only the short prefix matches",
			directory: "/home/user/other",
			expected: map[string]string{
				"OPENCODE_THEME": "light",
				"SHARED":         "base",
			},
		},
		{
			name:      "no match",
			directory: "/srv/project",
			expected:  map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.ResolveEnv(tt.directory))
		})
	}
}
