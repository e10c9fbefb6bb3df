package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Local is the reference Sandbox implementation: a confined directory on
// the local filesystem, with command execution via os/exec and change
// notification via fsnotify.
type Local struct {
	cfg Config

	mu       sync.Mutex
	watchers []*watcherHandle
	disposed bool
}

// watcherHandle guards a *fsnotify.Watcher against double-Close, since both
// the watch goroutine (on context cancellation) and Dispose may attempt it.
type watcherHandle struct {
	w    *fsnotify.Watcher
	once sync.Once
}

func (h *watcherHandle) close() error {
	var err error
	h.once.Do(func() { err = h.w.Close() })
	return err
}

// NewLocal constructs a Local sandbox rooted at cfg.WorkDir. Paths are
// confined only when cfg.EnforceBoundary is true.
func NewLocal(cfg Config) (*Local, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("sandbox: workdir is required")
	}
	abs, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve workdir: %w", err)
	}
	cfg.WorkDir = abs
	return &Local{cfg: cfg}, nil
}

// ResolvePath implements Sandbox. Relative paths are confined under
// WorkDir; absolute paths are rejected unless EnforceBoundary is off or the
// path falls under one of AllowPaths.
func (s *Local) ResolvePath(path string) (string, error) {
	if !s.cfg.EnforceBoundary {
		if isAbsoluteOrDrive(path) {
			return filepath.Clean(path), nil
		}
		return filepath.Clean(filepath.Join(s.cfg.WorkDir, path)), nil
	}
	if isAbsoluteOrDrive(path) {
		clean := filepath.Clean(path)
		for _, allow := range s.cfg.AllowPaths {
			if strings.HasPrefix(clean, filepath.Clean(allow)) {
				return clean, nil
			}
		}
		return "", fmt.Errorf("sandbox: path %q escapes confinement", path)
	}
	rel, err := sanitizeRelative(s.cfg.WorkDir, path)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.cfg.WorkDir, rel), nil
}

func (s *Local) Read(_ context.Context, path string) ([]byte, error) {
	abs, err := s.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (s *Local) Write(_ context.Context, path string, data []byte) error {
	abs, err := s.ResolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

func (s *Local) Glob(_ context.Context, pattern string) ([]string, error) {
	abs, err := s.ResolvePath(pattern)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(abs)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		rel, err := filepath.Rel(s.cfg.WorkDir, m)
		if err != nil {
			rel = m
		}
		out[i] = rel
	}
	return out, nil
}

func (s *Local) Grep(_ context.Context, root, pattern string) ([]string, error) {
	abs, err := s.ResolvePath(root)
	if err != nil {
		return nil, err
	}
	var hits []string
	walkErr := filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		line := 0
		for scanner.Scan() {
			line++
			if strings.Contains(scanner.Text(), pattern) {
				rel, relErr := filepath.Rel(s.cfg.WorkDir, path)
				if relErr != nil {
					rel = path
				}
				hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, line, scanner.Text()))
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return hits, nil
}

func (s *Local) Exec(ctx context.Context, command string, args []string, opts ExecOptions) (ExecResult, error) {
	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	dir := s.cfg.WorkDir
	if opts.Dir != "" {
		abs, err := s.ResolvePath(opts.Dir)
		if err != nil {
			return ExecResult{}, err
		}
		dir = abs
	}
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), opts.Env...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (s *Local) WatchFiles(ctx context.Context, paths []string, cb WatchCallback) (func(), error) {
	if !s.cfg.WatchFiles {
		return func() {}, fmt.Errorf("sandbox: WatchFiles disabled by config")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sandbox: new watcher: %w", err)
	}
	for _, p := range paths {
		abs, err := s.ResolvePath(p)
		if err != nil {
			watcher.Close()
			return nil, err
		}
		if err := watcher.Add(abs); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("sandbox: watch %q: %w", p, err)
		}
	}

	handle := &watcherHandle{w: watcher}
	s.mu.Lock()
	s.watchers = append(s.watchers, handle)
	s.mu.Unlock()

	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer handle.close()
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				rel, relErr := filepath.Rel(s.cfg.WorkDir, ev.Name)
				if relErr != nil {
					rel = ev.Name
				}
				cb(WatchEvent{Path: rel, Op: ev.Op.String()})
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return cancel, nil
}

// Dispose closes every watcher opened by WatchFiles. Idempotent.
func (s *Local) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.disposed = true
	for _, h := range s.watchers {
		_ = h.close()
	}
	s.watchers = nil
	return nil
}
