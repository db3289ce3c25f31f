// Package drivers defines narrow interfaces for the runtime's external
// collaborators (§6): a filesystem watcher, a compiler driver, a
// structured-config parser, OS performance counters, a module image
// loader, and a persistence root. The core only ever depends on these
// interfaces; concrete implementations are swappable, and tests use the
// in-memory fakes in fakes.go instead of touching real processes or
// hardware counters.
package drivers

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// EventKind classifies a filesystem change.
type EventKind int

const (
	EventModified EventKind = iota
	EventCreated
	EventDeleted
	EventRenamed
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventRenamed:
		return "renamed"
	default:
		return "modified"
	}
}

// FileEvent is one filesystem change the watcher delivers.
type FileEvent struct {
	Path string
	Kind EventKind
}

// Watcher delivers filesystem change events. The core only consumes
// Events(); it never replies.
type Watcher interface {
	Events() <-chan FileEvent
	Errors() <-chan error
	Close() error
}

// skipDirs mirrors the reindex watcher's skip list: directories that
// are noisy or irrelevant to source/config changes.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"bin": true, "dist": true, "build": true,
}

// FSWatcher is the default fsnotify-backed Watcher. It walks root once at
// construction to register every subdirectory (skipping skipDirs and
// hidden directories), then translates raw fsnotify events into FileEvent.
type FSWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
}

// NewFSWatcher constructs an FSWatcher rooted at root.
func NewFSWatcher(root string) (*FSWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FSWatcher{
		watcher: w,
		events:  make(chan FileEvent, 64),
		errors:  make(chan error, 8),
		done:    make(chan struct{}),
	}

	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if skipDirs[base] || (strings.HasPrefix(base, ".") && base != filepath.Base(root)) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})

	go fw.pump()
	return fw, nil
}

func (fw *FSWatcher) pump() {
	for {
		select {
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				close(fw.events)
				return
			}
			fw.events <- FileEvent{Path: ev.Name, Kind: translateOp(ev.Op)}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				close(fw.errors)
				return
			}
			fw.errors <- err
		case <-fw.done:
			return
		}
	}
}

func translateOp(op fsnotify.Op) EventKind {
	switch {
	case op&fsnotify.Create != 0:
		return EventCreated
	case op&fsnotify.Remove != 0:
		return EventDeleted
	case op&fsnotify.Rename != 0:
		return EventRenamed
	default:
		return EventModified
	}
}

func (fw *FSWatcher) Events() <-chan FileEvent { return fw.events }
func (fw *FSWatcher) Errors() <-chan error     { return fw.errors }

func (fw *FSWatcher) Close() error {
	close(fw.done)
	return fw.watcher.Close()
}
