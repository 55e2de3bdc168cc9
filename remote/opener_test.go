package remote

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksk/LazyCopy/fetch"
	"github.com/aleksk/LazyCopy/lazyerr"
)

func TestDirectOpener_Open(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	src, closer, err := DirectOpener{}.Open(context.Background(), path)
	require.NoError(t, err)
	defer closer.Close()

	size, err := src.Size(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 11, size)

	buf := make([]byte, 5)
	n, err := src.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))
}

func TestDirectOpener_NotFound(t *testing.T) {
	_, _, err := DirectOpener{}.Open(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.True(t, lazyerr.Is(err, lazyerr.NotFound))
}

// openerFunc adapts a plain function to the Opener interface for tests.
type openerFunc func(ctx context.Context, remotePath string) (fetch.SizedReaderAt, io.Closer, error)

func (f openerFunc) Open(ctx context.Context, remotePath string) (fetch.SizedReaderAt, io.Closer, error) {
	return f(ctx, remotePath)
}

func erroringOpener(err error) openerFunc {
	return func(context.Context, string) (fetch.SizedReaderAt, io.Closer, error) {
		return nil, nil, err
	}
}

func TestFallbackOpener_FallsBackOnAccessDenied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.bin")
	require.NoError(t, os.WriteFile(path, []byte("ok"), 0o644))

	fallback := FallbackOpener{
		Primary: erroringOpener(lazyerr.New(lazyerr.AccessDenied, "test")),
		Helper:  DirectOpener{},
	}

	result, closer, err := fallback.Open(context.Background(), path)
	require.NoError(t, err)
	defer closer.Close()
	size, _ := result.Size(context.Background())
	assert.EqualValues(t, 2, size)
}

func TestFallbackOpener_RestoresAccessDeniedWhenHelperDisconnected(t *testing.T) {
	fallback := FallbackOpener{
		Primary: erroringOpener(lazyerr.New(lazyerr.AccessDenied, "test")),
		Helper:  erroringOpener(lazyerr.New(lazyerr.Disconnected, "test")),
	}

	_, _, err := fallback.Open(context.Background(), "/x")
	assert.True(t, lazyerr.Is(err, lazyerr.AccessDenied))
}

func TestFallbackOpener_PropagatesNonAccessDeniedError(t *testing.T) {
	fallback := FallbackOpener{
		Primary: erroringOpener(lazyerr.New(lazyerr.NotFound, "test")),
		Helper:  DirectOpener{},
	}

	_, _, err := fallback.Open(context.Background(), "/x")
	assert.True(t, lazyerr.Is(err, lazyerr.NotFound))
}

func TestResolveBackend(t *testing.T) {
	direct := DirectOpener{}
	gcs := openerFunc(nil)

	assert.Equal(t, any(direct), any(ResolveBackend("/mnt/share/f", direct, gcs)))
	assert.Equal(t, any(gcs), any(ResolveBackend("gs://bucket/obj", direct, gcs)))
}
