package buildlog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/stretchr/testify/require"

	"github.com/thufschmitt/hydra/pkg/buildlog"
	"github.com/thufschmitt/hydra/pkg/storemodel"
)

func newLogDir(t *testing.T) (filesystem.Directory, string) {
	dir := t.TempDir()
	logDir, err := filesystem.NewLocalDirectory(dir)
	require.NoError(t, err)
	return logDir, dir
}

func TestCreateWritesShardedPath(t *testing.T) {
	logDir, dir := newLogDir(t)
	drv := storemodel.NewStorePath("/nix/store/aabbcc112233-foo.drv")

	f, err := buildlog.Create(logDir, drv)
	require.NoError(t, err)

	_, err = f.Write([]byte("build output\n"))
	require.NoError(t, err)
	require.NoError(t, f.Keep())

	full := filepath.Join(dir, f.Path())
	contents, err := os.ReadFile(full)
	require.NoError(t, err)
	require.Equal(t, "build output\n", string(contents))
}

func TestDiscardRemovesTheFile(t *testing.T) {
	logDir, dir := newLogDir(t)
	drv := storemodel.NewStorePath("/nix/store/ddeeff445566-bar.drv")

	f, err := buildlog.Create(logDir, drv)
	require.NoError(t, err)
	_, err = f.Write([]byte("partial output"))
	require.NoError(t, err)
	require.NoError(t, f.Discard())

	_, statErr := os.Stat(filepath.Join(dir, f.Path()))
	require.True(t, os.IsNotExist(statErr))
}

func TestTruncateDropsChatterCapturedBeforeIt(t *testing.T) {
	logDir, dir := newLogDir(t)
	drv := storemodel.NewStorePath("/nix/store/11223344aabb-baz.drv")

	f, err := buildlog.Create(logDir, drv)
	require.NoError(t, err)
	_, err = f.Write([]byte("substituter chatter\n"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate())
	_, err = f.Write([]byte("build output\n"))
	require.NoError(t, err)
	require.NoError(t, f.Keep())

	full := filepath.Join(dir, f.Path())
	contents, err := os.ReadFile(full)
	require.NoError(t, err)
	require.Equal(t, "build output\n", string(contents), "Truncate must rewind the write cursor, not just the file size")
}
