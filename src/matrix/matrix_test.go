package matrix

import (
	"testing"
	"time"

	"github.com/sofmeright/switchyard/src/cond"
	"github.com/sofmeright/switchyard/src/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseScope() cond.Scope {
	return cond.Scope{
		Env:    map[string]string{"APT_BASE": "ccache"},
		Run:    map[string]string{"id": "r1", "timestamp": "20261017T120000", "date": "2026-10-17"},
		Git:    map[string]string{"sha": "0123456789abcdef", "short_sha": "0123456", "branch": "main", "tag": "", "ref": "refs/heads/main"},
		Runner: map[string]string{"os": "linux", "arch": "amd64"},
	}
}

func TestExpand_OneInstancePerRecord(t *testing.T) {
	records := []map[string]any{
		{"name": "ARM 32-bit", "host": "arm-linux-gnueabihf", "unit_tests": false},
		{"name": "x86_64 Linux", "host": "x86_64-unknown-linux-gnu", "unit_tests": true},
		{"id": "mac", "host": "x86_64-apple-darwin16"},
	}
	g := &pipeline.Group{
		Name:   "deps",
		Matrix: records,
		Steps:  []pipeline.Step{{Name: "build", Run: "make HOST=${matrix.host}"}},
	}

	got, err := Expand(g, baseScope())
	require.NoError(t, err)
	require.Len(t, got, 3)

	for i, in := range got {
		assert.Equal(t, records[i], in.Attrs)
		assert.Equal(t, i, in.Index)
		assert.Equal(t, "deps", in.Group)
	}
	assert.Equal(t, "arm-32-bit", got[0].ID)
	assert.Equal(t, "ARM 32-bit", got[0].Name)
	assert.Equal(t, "x86-64-linux", got[1].ID)
	assert.Equal(t, "mac", got[2].ID)
	assert.Equal(t, "mac", got[2].Name)
	assert.Equal(t, "make HOST=x86_64-apple-darwin16", got[2].Steps[0].Run)
	assert.Equal(t, "deps/mac", got[2].Ref())
}

func TestExpand_NoMatrixIsOneEmptyInstance(t *testing.T) {
	g := &pipeline.Group{Name: "lint", Steps: []pipeline.Step{{Name: "go vet", Run: "go vet ./..."}}}

	got, err := Expand(g, baseScope())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0", got[0].ID)
	assert.Empty(t, got[0].Attrs)
	assert.Equal(t, "0", got[0].Target)
}

func TestExpand_DefaultsAndTemplates(t *testing.T) {
	g := &pipeline.Group{
		Name:     "wallet",
		Env:      map[string]string{"CCACHE_DIR": ".ccache"},
		Defaults: map[string]any{"goal": "install", "no_depends": 0},
		Target:   "${matrix.host}",
		Workdir:  "build/${matrix.host}",
		Outputs:  []string{"out/${matrix.host}"},
		Matrix: []map[string]any{
			{"name": "Win64", "host": "x86_64-w64-mingw32", "goal": "deploy"},
		},
		Steps: []pipeline.Step{
			{
				Name:    "ccache",
				If:      "matrix.no_depends != 1",
				Timeout: "90m",
				Env:     map[string]string{"BASE": "${env.APT_BASE}"},
				Cache: &pipeline.Cache{
					Key:         "${runner.os}-ccache-${matrix.name}-${run.timestamp}",
					RestoreKeys: []string{"${runner.os}-ccache-${matrix.name}-"},
					Paths:       []string{"${env.CCACHE_DIR}"},
					Mode:        pipeline.CacheRestore,
				},
			},
		},
	}

	got, err := Expand(g, baseScope())
	require.NoError(t, err)
	require.Len(t, got, 1)
	in := got[0]

	assert.Equal(t, "deploy", in.Attrs["goal"])
	assert.Equal(t, 0, in.Attrs["no_depends"])
	assert.Equal(t, "x86_64-w64-mingw32", in.Target)
	assert.Equal(t, "build/x86_64-w64-mingw32", in.Workdir)
	assert.Equal(t, []string{"out/x86_64-w64-mingw32"}, in.Outputs)
	assert.Equal(t, map[string]string{"APT_BASE": "ccache", "CCACHE_DIR": ".ccache"}, in.Env)

	s := in.Steps[0]
	assert.Equal(t, 90*time.Minute, s.Timeout)
	assert.Equal(t, "ccache", s.Env["BASE"])
	require.NotNil(t, s.Cache)
	assert.Equal(t, "linux-ccache-Win64-20261017T120000", s.Cache.Key)
	assert.Equal(t, []string{"linux-ccache-Win64-"}, s.Cache.RestoreKeys)
	assert.Equal(t, []string{".ccache"}, s.Cache.Paths)
	assert.True(t, s.Cache.Restore)
	assert.False(t, s.Cache.Save)

	ok, err := in.Enabled(&s)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpand_UndefinedAttributeIsConfigError(t *testing.T) {
	g := &pipeline.Group{
		Name: "deps",
		Matrix: []map[string]any{
			{"name": "ARM", "host": "arm", "no_depends": 1},
			{"name": "Linux", "host": "x86_64"},
		},
		Steps: []pipeline.Step{{Name: "build", If: "matrix.no_depends != 1", Run: "make"}},
	}

	_, err := Expand(g, baseScope())
	var ce *pipeline.ConfigError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Problems(), 1)
	assert.Contains(t, err.Error(), `instance "linux"`)
	assert.Contains(t, err.Error(), "matrix.no_depends")
}

func TestExpand_NonBoolPredicateIsConfigError(t *testing.T) {
	g := &pipeline.Group{
		Name: "build",
		Matrix: []map[string]any{
			{"name": "ARM", "host": "arm-linux-gnueabihf", "unit_tests": true},
			{"name": "Linux", "host": "x86_64-linux-gnu", "unit_tests": nil},
		},
		Steps: []pipeline.Step{
			{Name: "configure", Run: "./configure"},
			{Name: "tests", If: "matrix.host", Run: "make check"},
			{Name: "unit", If: "matrix.unit_tests && true", Run: "make unit"},
		},
	}

	_, err := Expand(g, baseScope())
	var ce *pipeline.ConfigError
	require.ErrorAs(t, err, &ce)
	// host is a string for both records; unit_tests is null for linux
	assert.Len(t, ce.Problems(), 3)
	assert.Contains(t, err.Error(), `step "tests" if`)
	assert.Contains(t, err.Error(), `step "unit" if`)
}

func TestExpand_DuplicateTarget(t *testing.T) {
	g := &pipeline.Group{
		Name: "build",
		Matrix: []map[string]any{
			{"name": "ARM", "host": "arm-linux-gnueabihf", "goal": "install"},
			{"name": "ARM debug", "host": "arm-linux-gnueabihf", "goal": "debug"},
		},
		Target:  "${matrix.host}",
		Outputs: []string{"out"},
		Steps:   []pipeline.Step{{Name: "build", Run: "make ${matrix.goal}"}},
	}

	_, err := Expand(g, baseScope())
	var ce *pipeline.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), `instances "arm" and "arm-debug" both publish target "arm-linux-gnueabihf"`)

	// without outputs nothing is packed, so a shared target is harmless
	g.Outputs = nil
	_, err = Expand(g, baseScope())
	assert.NoError(t, err)
}

func TestExpand_DuplicateIDs(t *testing.T) {
	g := &pipeline.Group{
		Name:   "deps",
		Matrix: []map[string]any{{"name": "ARM 32"}, {"name": "arm-32"}},
		Steps:  []pipeline.Step{{Name: "build", Run: "make"}},
	}

	_, err := Expand(g, baseScope())
	var ce *pipeline.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), `share instance id "arm-32"`)
}

func TestExpand_DoesNotMutateDefinition(t *testing.T) {
	rec := map[string]any{"host": "a"}
	g := &pipeline.Group{
		Name:     "deps",
		Defaults: map[string]any{"jobs": 2},
		Matrix:   []map[string]any{rec},
		Steps:    []pipeline.Step{{Name: "build", Run: "make"}},
	}

	_, err := Expand(g, baseScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"host": "a"}, rec)
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"ARM 32-bit":        "arm-32-bit",
		"  macOS 10.14 ":    "macos-10-14",
		"x86_64 Linux":      "x86-64-linux",
		"---":               "",
		"Win64 (MinGW/GCC)": "win64-mingw-gcc",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slug(in), in)
	}
}
