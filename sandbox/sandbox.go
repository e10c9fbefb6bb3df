// Package sandbox defines the filesystem and command-execution surface used
// by built-in tools, and a local-directory reference implementation.
// Boundary enforcement (path confinement) is each implementation's contract.
package sandbox

import "context"

// ExecOptions configures a command execution.
type ExecOptions struct {
	// Dir overrides the sandbox's working directory for this call, still
	// subject to the same confinement as ResolvePath.
	Dir string
	// Env appends environment variables as "KEY=VALUE" entries.
	Env []string
	// TimeoutMs bounds the call; zero means the caller's context deadline
	// (if any) governs instead.
	TimeoutMs int
}

// ExecResult is the outcome of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// WatchEvent describes a filesystem change observed by WatchFiles.
type WatchEvent struct {
	Path string
	Op   string
}

// WatchCallback receives filesystem change notifications.
type WatchCallback func(WatchEvent)

// Sandbox is the filesystem and process surface tools execute against.
type Sandbox interface {
	// ResolvePath validates and cleans a tool-supplied path argument,
	// rejecting absolute paths and traversal outside the sandbox root.
	// Implementations must enforce this even for paths that do not yet
	// exist.
	ResolvePath(path string) (string, error)

	// Read returns the contents of the file at path.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write creates or overwrites the file at path with data.
	Write(ctx context.Context, path string, data []byte) error
	// Glob returns paths under the sandbox root matching pattern.
	Glob(ctx context.Context, pattern string) ([]string, error)
	// Grep searches file contents under root for pattern, returning matching
	// lines prefixed with "path:line: text".
	Grep(ctx context.Context, root, pattern string) ([]string, error)
	// Exec runs command with args inside the sandbox.
	Exec(ctx context.Context, command string, args []string, opts ExecOptions) (ExecResult, error)
	// WatchFiles invokes cb for every change under any of paths until ctx is
	// canceled or the returned cancel func is called.
	WatchFiles(ctx context.Context, paths []string, cb WatchCallback) (cancel func(), err error)
	// Dispose releases resources held by the sandbox (open watchers,
	// temporary directories). Idempotent.
	Dispose() error
}

// Config configures the local reference Sandbox.
type Config struct {
	// Kind selects the sandbox implementation; "local" is the only kind this
	// module implements.
	Kind string
	// WorkDir is the confinement root. Required for Kind "local".
	WorkDir string
	// EnforceBoundary turns on confinement checks. The zero value (false)
	// resolves paths without confinement; confinement is not on by default.
	EnforceBoundary bool
	// AllowPaths lists additional roots resolvable outside WorkDir.
	AllowPaths []string
	// WatchFiles enables the fsnotify-backed WatchFiles implementation.
	WatchFiles bool
}
