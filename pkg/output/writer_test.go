package output

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssb-archive/pkg/utils"
)

func TestWriter_CreatesParentsAndOverwrites(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	require.NoError(t, w.Write("author/@abc=.ed25519/page=2.html", []byte("first")))
	require.NoError(t, w.Write("author/@abc=.ed25519/page=2.html", []byte("second")))

	data, err := os.ReadFile(filepath.Join(root, "author", "@abc=.ed25519", "page=2.html"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestWriter_StaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	full, err := w.Path("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "etc", "passwd"), full)

	for _, bad := range []string{"", "/", "..", "a\x00b"} {
		_, err := w.Path(bad)
		assert.True(t, errors.Is(err, utils.ErrFilesystem), "%q", bad)
	}
}

func TestWriter_FileInPlaceOfDirectory(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)
	require.NoError(t, w.Write("thread", []byte("x")))

	err := w.Write("thread/child.html", []byte("y"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrFilesystem))
}
