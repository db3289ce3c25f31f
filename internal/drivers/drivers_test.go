package drivers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeWatcherDeliversPushedEvents(t *testing.T) {
	w := NewFakeWatcher()
	w.Push(FileEvent{Path: "physics.so", Kind: EventModified})

	ev := <-w.Events()
	assert.Equal(t, "physics.so", ev.Path)
	assert.Equal(t, EventModified, ev.Kind)
	assert.Equal(t, "modified", ev.Kind.String())
}

func TestFakeCompilerRecordsCallsAndReturnsConfiguredResult(t *testing.T) {
	c := &FakeCompiler{Result: CompileResult{Success: true}}
	res, err := c.Compile(context.Background(), "src.go", "out.so", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"src.go"}, c.Calls)
}

func TestFakeImageLoaderRoundTripsABIByPath(t *testing.T) {
	loader := NewFakeImageLoader()
	loader.Images["physics.so"] = ImageABI{AgentSizeBytes: 64}

	handle, err := loader.Load("physics.so")
	require.NoError(t, err)

	abi, err := loader.ResolveSymbol(handle, "init")
	require.NoError(t, err)
	assert.Equal(t, 64, abi.AgentSizeBytes)

	require.NoError(t, loader.Unload(handle))
}

func TestJSONConfigParserParsesObjectTree(t *testing.T) {
	tree, err := JSONConfigParser{}.Parse([]byte(`{"name": "physics", "timeout_ms": 250}`))
	require.NoError(t, err)
	assert.Equal(t, "physics", tree["name"])
	assert.Equal(t, float64(250), tree["timeout_ms"])
}

func TestJSONConfigParserReturnsErrorOnInvalidJSON(t *testing.T) {
	_, err := JSONConfigParser{}.Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestPersistenceRootDerivesSubdirectories(t *testing.T) {
	p := NewPersistenceRoot("/var/hmr")
	assert.Equal(t, "/var/hmr/checkpoints", p.CheckpointDir())
	assert.Equal(t, "/var/hmr/cache", p.CacheDir())
}
