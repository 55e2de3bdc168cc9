package interceptor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksk/LazyCopy/driverconfig"
	"github.com/aleksk/LazyCopy/fetch"
	"github.com/aleksk/LazyCopy/filelock"
	"github.com/aleksk/LazyCopy/reparse"
	"github.com/aleksk/LazyCopy/streamctx"
)

func newFixture(t *testing.T) (*Interceptor, string, string) {
	t.Helper()
	dir := t.TempDir()
	localPath := filepath.Join(dir, "local.bin")
	remotePath := filepath.Join(dir, "remote.bin")

	remoteContent := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, os.WriteFile(remotePath, remoteContent, 0o644))
	require.NoError(t, os.WriteFile(localPath, nil, 0o644))

	require.NoError(t, reparse.Write(localPath, reparse.Mark{
		RemoteSize: int64(len(remoteContent)),
		RemotePath: remotePath,
	}))

	ic := &Interceptor{
		FS:       OSFilesystem{},
		Config:   driverconfig.NewStore(),
		Locks:    filelock.NewRegistry(),
		Contexts: streamctx.NewStore(),
		Engine:   fetch.NewEngine(),
		Opener:   directRemoteOpener{},
	}
	ic.Contexts.FindOrCreate(localPath, &streamctx.Context{
		RemoteSize: int64(len(remoteContent)),
		RemotePath: remotePath,
	})

	return ic, localPath, remotePath
}

// directRemoteOpener is a minimal remote.Opener for tests that reads
// straight off the local filesystem, avoiding a dependency on the
// remote package's own test fixtures.
type directRemoteOpener struct{}

func (directRemoteOpener) Open(ctx context.Context, remotePath string) (fetch.SizedReaderAt, io.Closer, error) {
	f, err := os.Open(remotePath)
	if err != nil {
		return nil, nil, err
	}
	return &fileSizedReaderAt{f}, f, nil
}

type fileSizedReaderAt struct{ f *os.File }

func (s *fileSizedReaderAt) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *fileSizedReaderAt) Size(context.Context) (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func TestReadWriteOrAcquire_MaterializesAndClearsMark(t *testing.T) {
	ic, localPath, remotePath := newFixture(t)

	err := ic.ReadWriteOrAcquire(context.Background(), &AccessOp{Path: localPath})
	require.NoError(t, err)

	present, err := reparse.Present(localPath)
	require.NoError(t, err)
	assert.False(t, present)

	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	want, _ := os.ReadFile(remotePath)
	assert.Equal(t, want, got)
}

func TestReadWriteOrAcquire_TrustedPIDBypasses(t *testing.T) {
	ic, localPath, _ := newFixture(t)
	ic.Config.SetTrustedPIDs([]uint32{99})

	err := ic.ReadWriteOrAcquire(context.Background(), &AccessOp{Path: localPath, PID: 99})
	require.NoError(t, err)

	present, err := reparse.Present(localPath)
	require.NoError(t, err)
	assert.True(t, present, "trusted PID must not trigger materialization")
}

func TestReadWriteOrAcquire_NoMarkIsNoop(t *testing.T) {
	ic, localPath, _ := newFixture(t)
	require.NoError(t, reparse.Clear(localPath))
	ic.Contexts.Delete(localPath)

	err := ic.ReadWriteOrAcquire(context.Background(), &AccessOp{Path: localPath})
	assert.NoError(t, err)
}

func TestCreate_OverwriteClearsMark(t *testing.T) {
	ic, localPath, _ := newFixture(t)

	err := ic.Create(context.Background(), &CreateOp{Path: localPath, Disposition: DispositionOverwritten})
	require.NoError(t, err)

	present, err := reparse.Present(localPath)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestCreate_AlternateStreamIsPassthrough(t *testing.T) {
	ic, localPath, _ := newFixture(t)

	err := ic.Create(context.Background(), &CreateOp{
		Path:                localPath,
		AlternateStreamName: "custom-stream",
	})
	require.NoError(t, err)

	// The mark must be untouched: passthrough means the stub handling
	// was skipped entirely, not that it ran and found nothing to do.
	present, err := reparse.Present(localPath)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestQueryInformation_ReportsDeclaredRemoteSize(t *testing.T) {
	ic, localPath, remotePath := newFixture(t)
	info, _ := os.Stat(remotePath)

	op := &QueryOp{Path: localPath}
	require.NoError(t, ic.QueryInformation(context.Background(), op))
	assert.Equal(t, info.Size(), op.Size)
}

func TestQueryInformation_StripsOfflineAndReparsePointBits(t *testing.T) {
	ic, localPath, remotePath := newFixture(t)

	require.NoError(t, reparse.Write(localPath, reparse.Mark{
		RemoteSize: 5,
		RemotePath: remotePath,
		Attrs:      reparse.AttrOffline | reparse.AttrReparsePoint | reparse.AttrNotContentIndexed,
	}))

	op := &QueryOp{Path: localPath}
	require.NoError(t, ic.QueryInformation(context.Background(), op))
	assert.Zero(t, op.Attrs&reparse.AttrOffline)
	assert.Zero(t, op.Attrs&reparse.AttrReparsePoint)
	assert.NotZero(t, op.Attrs&reparse.AttrNotContentIndexed)
}

func TestDirectoryEnum_ClearsOfflineBitForStubs(t *testing.T) {
	ic, localPath, _ := newFixture(t)
	dir := filepath.Dir(localPath)

	op := &DirEnumOp{
		Dir: dir,
		Entries: []DirEntry{
			{Name: filepath.Base(localPath), Attrs: reparse.AttrOffline | reparse.AttrReparsePoint},
		},
	}
	require.NoError(t, ic.DirectoryEnum(context.Background(), op))
	assert.Zero(t, op.Entries[0].Attrs&reparse.AttrOffline)
}
