package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsPathTraversal(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"../etc/passwd", true},
		{"foo/../bar", false},
		{"..", true},
		{"safe/path", false},
		{"./ok", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, isPathTraversal(c.in), c.in)
	}
}

func TestResolvePathRejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	sb, err := NewLocal(Config{WorkDir: dir, EnforceBoundary: true})
	require.NoError(t, err)

	_, err = sb.ResolvePath("../outside")
	require.Error(t, err)

	_, err = sb.ResolvePath("/etc/passwd")
	require.Error(t, err)

	resolved, err := sb.ResolvePath("nested/file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "nested", "file.txt"), resolved)
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sb, err := NewLocal(Config{WorkDir: dir, EnforceBoundary: true})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sb.Write(ctx, "notes/a.txt", []byte("hello")))

	data, err := sb.Read(ctx, "notes/a.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	_, err = os.Stat(filepath.Join(dir, "notes", "a.txt"))
	require.NoError(t, err)
}

func TestGrepFindsMatches(t *testing.T) {
	dir := t.TempDir()
	sb, err := NewLocal(Config{WorkDir: dir, EnforceBoundary: true})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sb.Write(ctx, "a.txt", []byte("alpha\nneedle here\nbeta")))

	hits, err := sb.Grep(ctx, ".", "needle")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Contains(t, hits[0], "a.txt:2:")
}

func TestExecRunsCommand(t *testing.T) {
	dir := t.TempDir()
	sb, err := NewLocal(Config{WorkDir: dir, EnforceBoundary: true})
	require.NoError(t, err)

	result, err := sb.Exec(context.Background(), "echo", []string{"hi"}, ExecOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Stdout, "hi")
}
