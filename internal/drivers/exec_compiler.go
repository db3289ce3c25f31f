package drivers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ExecCompiler is the default CompilerDriver: it shells out to an
// external toolchain (the shader compiler or any other opaque build
// step, per §6) as `command sourcePath outputPath flags...`. A non-zero
// exit is reported as a failed CompileResult rather than a Go error, so
// callers can tell "the module doesn't compile" from "the compiler
// itself is broken".
type ExecCompiler struct {
	Command string
}

func (c ExecCompiler) Compile(ctx context.Context, sourcePath, outputPath string, flags []string) (CompileResult, error) {
	args := append([]string{sourcePath, outputPath}, flags...)
	cmd := exec.CommandContext(ctx, c.Command, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return CompileResult{Success: false, Message: stderr.String(), Duration: elapsed}, nil
		}
		return CompileResult{}, fmt.Errorf("failed to invoke compiler %q: %w", c.Command, err)
	}
	return CompileResult{Success: true, Duration: elapsed}, nil
}
