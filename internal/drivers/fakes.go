package drivers

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// FakeWatcher is an in-memory Watcher for tests: call Push to inject an
// event as if the filesystem had changed.
type FakeWatcher struct {
	events chan FileEvent
	errors chan error
}

// NewFakeWatcher constructs a FakeWatcher with a buffered event channel.
func NewFakeWatcher() *FakeWatcher {
	return &FakeWatcher{
		events: make(chan FileEvent, 64),
		errors: make(chan error, 8),
	}
}

func (f *FakeWatcher) Push(ev FileEvent)        { f.events <- ev }
func (f *FakeWatcher) PushErr(err error)        { f.errors <- err }
func (f *FakeWatcher) Events() <-chan FileEvent { return f.events }
func (f *FakeWatcher) Errors() <-chan error     { return f.errors }
func (f *FakeWatcher) Close() error {
	close(f.events)
	close(f.errors)
	return nil
}

// FakeCompiler is a CompilerDriver that always reports the configured
// result, recording every invocation for assertions. On a successful
// result it writes a small marker file to outputPath, mirroring a real
// compiler driver's side effect so callers that verify cached artifacts
// against the filesystem have something to hash.
type FakeCompiler struct {
	Result CompileResult
	Err    error
	Calls  []string // source paths compiled, in order
}

func (f *FakeCompiler) Compile(ctx context.Context, sourcePath, outputPath string, flags []string) (CompileResult, error) {
	f.Calls = append(f.Calls, sourcePath)
	if f.Err != nil {
		return CompileResult{}, f.Err
	}
	if f.Result.Duration == 0 {
		f.Result.Duration = time.Millisecond
	}
	if f.Result.Success {
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err == nil {
			_ = os.WriteFile(outputPath, []byte(sourcePath), 0o644)
		}
	}
	return f.Result, nil
}

// FakePerfCounters returns a fixed, settable sample every time.
type FakePerfCounters struct {
	Sample_ PerfSample
	Err     error
}

func (f *FakePerfCounters) Sample() (PerfSample, error) {
	if f.Err != nil {
		return PerfSample{}, f.Err
	}
	return f.Sample_, nil
}

// FakeImageLoader is an in-memory ImageLoader keyed by path, for tests
// that exercise swap/build flows without a real dynamic loader.
type FakeImageLoader struct {
	Images map[string]ImageABI // path -> ABI to hand back from Load+ResolveSymbol
	next   ImageHandle
	loaded map[ImageHandle]string
}

// NewFakeImageLoader constructs a FakeImageLoader.
func NewFakeImageLoader() *FakeImageLoader {
	return &FakeImageLoader{Images: make(map[string]ImageABI), loaded: make(map[ImageHandle]string)}
}

func (f *FakeImageLoader) Load(path string) (ImageHandle, error) {
	f.next++
	f.loaded[f.next] = path
	return f.next, nil
}

func (f *FakeImageLoader) ResolveSymbol(handle ImageHandle, name string) (ImageABI, error) {
	path := f.loaded[handle]
	return f.Images[path], nil
}

func (f *FakeImageLoader) Unload(handle ImageHandle) error {
	delete(f.loaded, handle)
	return nil
}
