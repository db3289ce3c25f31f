package drivers

import (
	"context"
	"time"
)

// CompileResult is what a CompilerDriver reports back for one invocation.
type CompileResult struct {
	Success  bool
	Message  string
	Duration time.Duration
}

// CompilerDriver invokes an opaque build step over a source file, per §6:
// "compile(source_path, output_path, flags) -> {success, failure(msg),
// time_ns}". Build workers call this; the core never inspects the
// artifact it produces beyond its path.
type CompilerDriver interface {
	Compile(ctx context.Context, sourcePath, outputPath string, flags []string) (CompileResult, error)
}
