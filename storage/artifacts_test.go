package storage

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactsArchiveAndOpen(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "dist"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git", "objects"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "dist", "app.js"), []byte("console.log(1)"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "package.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref"), 0644))

	a, err := NewArtifacts(t.TempDir())
	require.NoError(t, err)

	size, err := a.Archive(context.Background(), "b1", src)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	f, err := a.Open("b1")
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	contents := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			contents[hdr.Name] = string(data)
		}
	}
	sort.Strings(names)
	assert.Equal(t, []string{"dist/", "dist/app.js", "package.json"}, names)
	assert.Equal(t, "console.log(1)", contents["dist/app.js"])
}

func TestArtifactsOpenMissing(t *testing.T) {
	a, err := NewArtifacts(t.TempDir())
	require.NoError(t, err)

	_, err = a.Open("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = a.Open("../etc")
	assert.Error(t, err)
	_, err = a.Archive(context.Background(), "a/b", t.TempDir())
	assert.Error(t, err)
}
