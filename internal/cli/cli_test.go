package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

type fakeRuntime struct {
	loadErr, unloadErr, swapErr, checkpointErr, rollbackErr, buildErr error
	statusText                                                       string
	statusErr                                                        error
	loaded, unloaded                                                 []string
	swapped                                                          [][2]string
}

func (f *fakeRuntime) LoadModule(ctx context.Context, name string) error {
	f.loaded = append(f.loaded, name)
	return f.loadErr
}
func (f *fakeRuntime) UnloadModule(ctx context.Context, name string) error {
	f.unloaded = append(f.unloaded, name)
	return f.unloadErr
}
func (f *fakeRuntime) SwapModule(ctx context.Context, name, artifactPath string) error {
	f.swapped = append(f.swapped, [2]string{name, artifactPath})
	return f.swapErr
}
func (f *fakeRuntime) Checkpoint(ctx context.Context, module, name string) error { return f.checkpointErr }
func (f *fakeRuntime) Rollback(ctx context.Context, module, name string) error   { return f.rollbackErr }
func (f *fakeRuntime) Build(ctx context.Context, path string) error              { return f.buildErr }
func (f *fakeRuntime) Status(ctx context.Context) (string, error)               { return f.statusText, f.statusErr }

func TestDispatchLoadModuleSuccess(t *testing.T) {
	rt := &fakeRuntime{}
	d := New(rt, nil)
	reply := d.Dispatch(context.Background(), "LOAD_MODULE physics")
	assert.Equal(t, "OK physics", reply)
	assert.Equal(t, []string{"physics"}, rt.loaded)
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := New(&fakeRuntime{}, nil)
	reply := d.Dispatch(context.Background(), "FROB physics")
	assert.Equal(t, `ERR E_UNKNOWN_COMMAND unknown command "FROB"`, reply)
}

func TestDispatchBadArgsCount(t *testing.T) {
	d := New(&fakeRuntime{}, nil)
	reply := d.Dispatch(context.Background(), "SWAP_MODULE physics")
	assert.Equal(t, "ERR E_BAD_ARGS usage: SWAP_MODULE <name> <artifact-path>", reply)
}

func TestDispatchPropagatesTypedErrorCode(t *testing.T) {
	rt := &fakeRuntime{swapErr: hmrerrors.ErrNotSwappable}
	d := New(rt, nil)
	reply := d.Dispatch(context.Background(), "SWAP_MODULE physics /tmp/physics.so")
	assert.Equal(t, "ERR E_NOT_SWAPPABLE module capability set lacks hot-swappable", reply)
}

func TestDispatchStatusReturnsRuntimeDetail(t *testing.T) {
	rt := &fakeRuntime{statusText: "modules=3 active=3"}
	d := New(rt, nil)
	reply := d.Dispatch(context.Background(), "STATUS")
	assert.Equal(t, "OK modules=3 active=3", reply)
}

func TestServeProcessesMultipleLinesAndWritesReplies(t *testing.T) {
	rt := &fakeRuntime{}
	d := New(rt, nil)
	in := bytes.NewBufferString("LOAD_MODULE physics\nHEARTBEAT 12345\n")
	var out bytes.Buffer

	err := d.Serve(context.Background(), in, &out)
	assert.NoError(t, err)
	assert.Equal(t, "OK physics\nOK 12345\n", out.String())
}

func TestDispatchEmptyLineYieldsErr(t *testing.T) {
	d := New(&fakeRuntime{}, nil)
	reply := d.Dispatch(context.Background(), "   ")
	assert.Equal(t, "ERR E_EMPTY_COMMAND empty command", reply)
}
