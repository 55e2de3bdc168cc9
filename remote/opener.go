// Package remote supplies the fetch engine's remote source: an
// io.ReaderAt over whatever backend a stub mark's remote_path names.
// Grounded on gcsfuse's fs/file.go, whose ensureTempFile opens a
// bucket reader and copies it into a local temp file on first access —
// the same "materialize on first touch" shape this package's Open
// feeds into fetch.Engine.Copy.
package remote

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/aleksk/LazyCopy/fetch"
	"github.com/aleksk/LazyCopy/lazyerr"
)

// Opener resolves a remote_path into a fetch.SizedReaderAt plus the
// io.Closer that releases it once the copy is done.
type Opener interface {
	Open(ctx context.Context, remotePath string) (fetch.SizedReaderAt, io.Closer, error)
}

// fileSource adapts an *os.File (or anything with Stat+ReadAt) to
// fetch.SizedReaderAt.
type fileSource struct {
	f *os.File
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }

func (s *fileSource) Size(context.Context) (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, lazyerr.Wrap(lazyerr.IOFailed, "remote.fileSource.Size", err)
	}
	return fi.Size(), nil
}

// DirectOpener opens a local mount of the remote share directly with a
// plain sequential read, mirroring LcOpenFile's direct ZwOpenFile path
// (GENERIC_READ, FILE_SHARE_READ, FILE_SEQUENTIAL_ONLY).
type DirectOpener struct{}

func (DirectOpener) Open(ctx context.Context, remotePath string) (fetch.SizedReaderAt, io.Closer, error) {
	f, err := os.Open(remotePath)
	if err != nil {
		if os.IsPermission(err) {
			return nil, nil, lazyerr.Wrap(lazyerr.AccessDenied, "remote.DirectOpener.Open", err)
		}
		if os.IsNotExist(err) {
			return nil, nil, lazyerr.Wrap(lazyerr.NotFound, "remote.DirectOpener.Open", err)
		}
		return nil, nil, lazyerr.Wrap(lazyerr.IOFailed, "remote.DirectOpener.Open", err)
	}
	src := &fileSource{f: f}
	return src, f, nil
}

// HelperSession is the subset of *helper.Session the HelperOpener needs;
// declared locally so this package does not have to import helper's
// concrete Session type for every field.
type HelperSession interface {
	NotifyOpen(ctx context.Context, source, target string) (int, error)
	NotifyClose(ctx context.Context, fd int32) error
}

// HelperOpener delegates the open to the connected helper when the
// local process lacks rights to open remotePath directly — the
// fallback LcOpenFile takes on STATUS_ACCESS_DENIED.
type HelperOpener struct {
	Session HelperSession
}

func (h HelperOpener) Open(ctx context.Context, remotePath string) (fetch.SizedReaderAt, io.Closer, error) {
	fd, err := h.Session.NotifyOpen(ctx, remotePath, remotePath)
	if err != nil {
		return nil, nil, err
	}
	f := os.NewFile(uintptr(fd), remotePath)
	src := &fileSource{f: f}
	return src, closerFunc(func() error {
		err := f.Close()
		_ = h.Session.NotifyClose(ctx, int32(fd))
		return err
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// FallbackOpener tries Primary first and, only on an AccessDenied
// error, retries through Helper — LcOpenFile's exact fallback rule,
// including remapping a disconnected/timed-out helper back to the
// original access-denied status (spec section 4.2 "On
// STATUS_PORT_DISCONNECTED or STATUS_TIMEOUT from the notification,
// the original access-denied status is restored").
type FallbackOpener struct {
	Primary Opener
	Helper  Opener
}

func (o FallbackOpener) Open(ctx context.Context, remotePath string) (fetch.SizedReaderAt, io.Closer, error) {
	src, closer, err := o.Primary.Open(ctx, remotePath)
	if err == nil || !lazyerr.Is(err, lazyerr.AccessDenied) || o.Helper == nil {
		return src, closer, err
	}

	src, closer, helperErr := o.Helper.Open(ctx, remotePath)
	if helperErr != nil {
		if lazyerr.Is(helperErr, lazyerr.Disconnected) || lazyerr.Is(helperErr, lazyerr.Timeout) {
			return nil, nil, err // restore the original AccessDenied
		}
		return nil, nil, helperErr
	}
	return src, closer, nil
}

// ResolveBackend picks DirectOpener or GCSOpener based on remotePath's
// scheme, supplementing the distillation's single-transport assumption
// with the gs:// backend documented in SPEC_FULL.md's domain stack.
func ResolveBackend(remotePath string, direct Opener, gcs Opener) Opener {
	if strings.HasPrefix(remotePath, "gs://") {
		return gcs
	}
	return direct
}
