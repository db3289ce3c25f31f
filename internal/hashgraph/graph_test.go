package hashgraph

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// fakeFS backs a Graph with in-memory content instead of touching disk.
type fakeFS struct {
	content map[string]string
	mtimes  map[string]time.Time
}

func newFakeGraph() (*Graph, *fakeFS) {
	fs := &fakeFS{content: map[string]string{}, mtimes: map[string]time.Time{}}
	g := New()
	g.WithFS(
		func(path string) (time.Time, error) {
			mt, ok := fs.mtimes[path]
			if !ok {
				return time.Time{}, errors.New("not found")
			}
			return mt, nil
		},
		func(path string) (io.ReadCloser, error) {
			c, ok := fs.content[path]
			if !ok {
				return nil, errors.New("not found")
			}
			return io.NopCloser(strings.NewReader(c)), nil
		},
	)
	return g, fs
}

func (fs *fakeFS) write(path, content string, at time.Time) {
	fs.content[path] = content
	fs.mtimes[path] = at
}

func TestHashFileStableAcrossCalls(t *testing.T) {
	g, fs := newFakeGraph()
	fs.write("a.go", "package a", time.Unix(100, 0))

	d1, err := g.HashFile("a.go")
	require.NoError(t, err)
	d2, err := g.HashFile("a.go")
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
}

func TestHashFileChangesOnlyWhenMtimeAdvances(t *testing.T) {
	g, fs := newFakeGraph()
	fs.write("a.go", "v1", time.Unix(100, 0))
	d1, err := g.HashFile("a.go")
	require.NoError(t, err)

	// content changes but mtime does not: cached digest must be returned.
	fs.content["a.go"] = "v2"
	d2, err := g.HashFile("a.go")
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	// now bump mtime: digest must be recomputed.
	fs.mtimes["a.go"] = time.Unix(200, 0)
	d3, err := g.HashFile("a.go")
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestAddModuleRejectsCycle(t *testing.T) {
	graph := New()
	require.NoError(t, graph.AddModule("a", nil, []string{"b"}))
	require.NoError(t, graph.AddModule("b", nil, []string{"c"}))

	err := graph.AddModule("c", nil, []string{"a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, hmrerrors.ErrCircularDependency))
}

func TestComputeRebuildSetTransitiveClosureAndOrder(t *testing.T) {
	graph := New()
	// renderer depends on shaders; hud depends on renderer.
	require.NoError(t, graph.AddModule("shaders", []string{"shaders.glsl"}, nil))
	require.NoError(t, graph.AddModule("renderer", []string{"renderer.c"}, []string{"shaders"}))
	require.NoError(t, graph.AddModule("hud", []string{"hud.c"}, []string{"renderer"}))
	require.NoError(t, graph.AddModule("unrelated", []string{"unrelated.c"}, nil))

	set := graph.ComputeRebuildSet("shaders.glsl")
	require.Equal(t, []string{"shaders", "renderer", "hud"}, set)

	// leaves-first: shaders must precede renderer, renderer must precede hud.
	index := make(map[string]int)
	for i, id := range set {
		index[id] = i
	}
	assert.Less(t, index["shaders"], index["renderer"])
	assert.Less(t, index["renderer"], index["hud"])
}

func TestComputeRebuildSetNoRepeatsAndEmptyWhenUnreferenced(t *testing.T) {
	graph := New()
	require.NoError(t, graph.AddModule("m", []string{"m.c"}, nil))

	assert.Empty(t, graph.ComputeRebuildSet("nothing.c"))

	set := graph.ComputeRebuildSet("m.c")
	seen := make(map[string]bool)
	for _, id := range set {
		assert.False(t, seen[id], "repeated id %s", id)
		seen[id] = true
	}
}

func TestDependencyHashDeterministicAndPositionIndependent(t *testing.T) {
	g, fs := newFakeGraph()
	fs.write("leaf.c", "leaf", time.Unix(1, 0))
	require.NoError(t, g.AddModule("leaf", []string{"leaf.c"}, nil))
	require.NoError(t, g.AddModule("top", nil, []string{"leaf"}))

	h1, err := g.DependencyHash("top")
	require.NoError(t, err)
	h2, err := g.DependencyHash("top")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// A second, freshly built graph with identical inputs must agree.
	g2, fs2 := newFakeGraph()
	fs2.write("leaf.c", "leaf", time.Unix(1, 0))
	require.NoError(t, g2.AddModule("leaf", []string{"leaf.c"}, nil))
	require.NoError(t, g2.AddModule("top", nil, []string{"leaf"}))
	h3, err := g2.DependencyHash("top")
	require.NoError(t, err)
	assert.Equal(t, h1, h3)
}
