package drivers

// ImageHandle opaquely identifies a loaded module image.
type ImageHandle uintptr

// ImageABI describes the fixed set of symbols the core resolves out of a
// loaded module image (§6): an init hook, a frame-tick hook, an optional
// state-transform hook, an optional self-check hook, and the agent size
// metadata the state manager needs to chunk that module's agents.
type ImageABI struct {
	Init           func() error
	Tick           func(deltaNS int64) error
	Transform      func(oldState []byte) ([]byte, error) // optional
	SelfCheck      func() error                           // optional
	AgentSizeBytes int
}

// ImageLoader loads compiled module artifacts and resolves their fixed
// ABI symbols. §6: "load(path) -> handle | error",
// "resolve_symbol(handle, name) -> addr | error", "unload(handle)".
type ImageLoader interface {
	Load(path string) (ImageHandle, error)
	ResolveSymbol(handle ImageHandle, name string) (ImageABI, error)
	Unload(handle ImageHandle) error
}
