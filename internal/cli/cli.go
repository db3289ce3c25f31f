// Package cli implements the runtime's command channel (§6): a line
// protocol accepting LOAD_MODULE, UNLOAD_MODULE, SWAP_MODULE, CHECKPOINT,
// ROLLBACK, BUILD, STATUS, and HEARTBEAT, each replied to with a single
// "OK <detail>" or "ERR <code> <message>" line. The parse-then-dispatch-
// then-structured-reply shape follows cmd/server/handlers' request
// handlers, collapsed from HTTP request/response onto a line-oriented
// io.Reader/io.Writer per the Open Question decision recorded in
// SPEC_FULL.md.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// Runtime is everything the command channel dispatches into. It is
// satisfied by internal/runtime.Runtime; commands never touch
// components directly.
type Runtime interface {
	LoadModule(ctx context.Context, name string) error
	UnloadModule(ctx context.Context, name string) error
	SwapModule(ctx context.Context, name, artifactPath string) error
	Checkpoint(ctx context.Context, module, name string) error
	Rollback(ctx context.Context, module, name string) error
	Build(ctx context.Context, path string) error
	Status(ctx context.Context) (string, error)
}

// Dispatcher reads command lines from an io.Reader and writes one reply
// line per command to an io.Writer.
type Dispatcher struct {
	runtime Runtime
	logger  *slog.Logger
}

// New constructs a Dispatcher.
func New(runtime Runtime, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{runtime: runtime, logger: logger}
}

// Serve reads lines from r until EOF or ctx is cancelled, writing one
// reply line per command to w. It returns nil on a clean EOF.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := d.Dispatch(ctx, line)
		if _, err := fmt.Fprintln(w, reply); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Dispatch parses and executes one command line, returning the single
// reply line ("OK ..." or "ERR <code> <message>") it produces.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errReply("E_EMPTY_COMMAND", "empty command")
	}

	cmd, args := fields[0], fields[1:]
	d.logger.Info("command received", "command", cmd, "args", args)

	var err error
	var detail string

	switch cmd {
	case "LOAD_MODULE":
		if len(args) != 1 {
			return errReply("E_BAD_ARGS", "usage: LOAD_MODULE <name>")
		}
		err = d.runtime.LoadModule(ctx, args[0])
		detail = args[0]
	case "UNLOAD_MODULE":
		if len(args) != 1 {
			return errReply("E_BAD_ARGS", "usage: UNLOAD_MODULE <name>")
		}
		err = d.runtime.UnloadModule(ctx, args[0])
		detail = args[0]
	case "SWAP_MODULE":
		if len(args) != 2 {
			return errReply("E_BAD_ARGS", "usage: SWAP_MODULE <name> <artifact-path>")
		}
		err = d.runtime.SwapModule(ctx, args[0], args[1])
		detail = args[0]
	case "CHECKPOINT":
		if len(args) != 2 {
			return errReply("E_BAD_ARGS", "usage: CHECKPOINT <module> <name>")
		}
		err = d.runtime.Checkpoint(ctx, args[0], args[1])
		detail = args[1]
	case "ROLLBACK":
		if len(args) != 2 {
			return errReply("E_BAD_ARGS", "usage: ROLLBACK <module> <name>")
		}
		err = d.runtime.Rollback(ctx, args[0], args[1])
		detail = args[1]
	case "BUILD":
		if len(args) != 1 {
			return errReply("E_BAD_ARGS", "usage: BUILD <path>")
		}
		err = d.runtime.Build(ctx, args[0])
		detail = args[0]
	case "STATUS":
		detail, err = d.runtime.Status(ctx)
	case "HEARTBEAT":
		if len(args) != 1 {
			return errReply("E_BAD_ARGS", "usage: HEARTBEAT <timestamp>")
		}
		detail = args[0]
	default:
		return errReply("E_UNKNOWN_COMMAND", fmt.Sprintf("unknown command %q", cmd))
	}

	if err != nil {
		d.logger.Warn("command failed", "command", cmd, "error", err)
		return errFromError(err)
	}
	return "OK " + detail
}

func errReply(code, message string) string {
	return fmt.Sprintf("ERR %s %s", code, message)
}

func errFromError(err error) string {
	var he *hmrerrors.Error
	if errors.As(err, &he) {
		return errReply(he.Code, he.Message)
	}
	return errReply("E_INTERNAL", err.Error())
}
