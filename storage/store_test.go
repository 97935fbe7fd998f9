package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSanitizeName tests the path-traversal defense.
func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain name", input: "report.bin", want: "report.bin"},
		{name: "relative traversal", input: "../../etc/passwd", want: "passwd"},
		{name: "absolute path", input: "/etc/shadow", want: "shadow"},
		{name: "nested path", input: "dir/sub/file.txt", want: "file.txt"},
		{name: "trailing slash", input: "uploads/", want: "uploads"},
		{name: "dot", input: ".", wantErr: true},
		{name: "dot dot", input: "..", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "root", input: "/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSizeAndExists(t *testing.T) {
	s := New(t.TempDir())

	assert.False(t, s.Exists("missing.bin"))
	assert.EqualValues(t, 0, s.Size("missing.bin"))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "a.bin"), []byte("0123456789"), 0o644))
	assert.True(t, s.Exists("a.bin"))
	assert.EqualValues(t, 10, s.Size("a.bin"))
}

func TestAppendWriterAppendsAndSyncs(t *testing.T) {
	s := New(t.TempDir())

	w, err := s.AppendWriter("chunks.bin")
	require.NoError(t, err)

	_, err = w.Write([]byte("0123"))
	require.NoError(t, err)
	_, err = w.Write([]byte("456789"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(s.Dir(), "chunks.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), data)

	// Reopening appends after the existing content.
	w, err = s.AppendWriter("chunks.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte("ab"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.EqualValues(t, 12, s.Size("chunks.bin"))
}

func TestAppendWriterTruncate(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "old.bin"), []byte("stale content"), 0o644))

	w, err := s.AppendWriter("old.bin")
	require.NoError(t, err)
	require.NoError(t, w.Truncate())
	_, err = w.Write([]byte("fresh"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(s.Dir(), "old.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), data)
}

func TestOpenAtSeeks(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "a.bin"), []byte("0123456789"), 0o644))

	f, err := s.OpenAt("a.bin", 4)
	require.NoError(t, err)
	defer f.Close()

	rest := make([]byte, 6)
	_, err = f.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, []byte("456789"), rest)
}

func TestList(t *testing.T) {
	s := New(t.TempDir())

	names, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "b.bin"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "a.bin"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), "subdir"), 0o755))

	names, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.bin", "b.bin"}, names)
}

// TestAdvisoryLock verifies per-filename upload locking: a held name
// rejects a second acquirer until released, and distinct names do not
// contend.
func TestAdvisoryLock(t *testing.T) {
	s := New(t.TempDir())

	require.NoError(t, s.Acquire("a.bin"))
	assert.ErrorIs(t, s.Acquire("a.bin"), ErrFileBusy)
	require.NoError(t, s.Acquire("b.bin"))

	s.Release("a.bin")
	assert.NoError(t, s.Acquire("a.bin"))
}

func TestChecksumPrefix(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "a.bin"), []byte("0123456789"), 0o644))

	t.Run("zero length is sentinel", func(t *testing.T) {
		sum, err := s.ChecksumPrefix("a.bin", 0)
		require.NoError(t, err)
		assert.Equal(t, EmptyChecksum, sum)
	})

	t.Run("missing file is sentinel", func(t *testing.T) {
		sum, err := s.ChecksumPrefix("nope.bin", 8)
		require.NoError(t, err)
		assert.Equal(t, EmptyChecksum, sum)
	})

	t.Run("equal prefixes match", func(t *testing.T) {
		other := filepath.Join(t.TempDir(), "local.bin")
		require.NoError(t, os.WriteFile(other, []byte("0123xxxxxx"), 0o644))

		stored, err := s.ChecksumPrefix("a.bin", 4)
		require.NoError(t, err)
		local, err := ChecksumFilePrefix(other, 4)
		require.NoError(t, err)
		assert.Equal(t, stored, local)
	})

	t.Run("divergent prefixes differ", func(t *testing.T) {
		other := filepath.Join(t.TempDir(), "local.bin")
		require.NoError(t, os.WriteFile(other, []byte("9876543210"), 0o644))

		stored, err := s.ChecksumPrefix("a.bin", 4)
		require.NoError(t, err)
		local, err := ChecksumFilePrefix(other, 4)
		require.NoError(t, err)
		assert.NotEqual(t, stored, local)
	})

	t.Run("prefix length matters", func(t *testing.T) {
		four, err := s.ChecksumPrefix("a.bin", 4)
		require.NoError(t, err)
		five, err := s.ChecksumPrefix("a.bin", 5)
		require.NoError(t, err)
		assert.NotEqual(t, four, five)
	})
}
