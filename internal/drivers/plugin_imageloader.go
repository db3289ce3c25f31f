package drivers

import (
	"fmt"
	"plugin"
	"strings"
	"sync"
)

// PluginImageLoader is the default ImageLoader: each module artifact is
// a Go plugin (`go build -buildmode=plugin`) exporting a single
// package-level ImageABI value whose exported name matches the symbol
// ResolveSymbol is asked for (LoadModule always asks for "module", so a
// module plugin exports a var named Module).
type PluginImageLoader struct {
	mu      sync.Mutex
	next    ImageHandle
	plugins map[ImageHandle]*plugin.Plugin
}

// NewPluginImageLoader constructs a PluginImageLoader.
func NewPluginImageLoader() *PluginImageLoader {
	return &PluginImageLoader{plugins: make(map[ImageHandle]*plugin.Plugin)}
}

func (l *PluginImageLoader) Load(path string) (ImageHandle, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open module plugin %s: %w", path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.plugins[l.next] = p
	return l.next, nil
}

func (l *PluginImageLoader) ResolveSymbol(handle ImageHandle, name string) (ImageABI, error) {
	l.mu.Lock()
	p, ok := l.plugins[handle]
	l.mu.Unlock()
	if !ok {
		return ImageABI{}, fmt.Errorf("unknown image handle %d", handle)
	}

	sym, err := p.Lookup(exportedSymbolName(name))
	if err != nil {
		return ImageABI{}, fmt.Errorf("failed to resolve symbol %q: %w", name, err)
	}
	switch v := sym.(type) {
	case *ImageABI:
		return *v, nil
	case ImageABI:
		return v, nil
	default:
		return ImageABI{}, fmt.Errorf("symbol %q is not an ImageABI", name)
	}
}

func (l *PluginImageLoader) Unload(handle ImageHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.plugins, handle)
	return nil
}

// exportedSymbolName upper-cases the first rune so an ABI symbol
// request like "module" maps to the Go-exported plugin symbol "Module".
func exportedSymbolName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
