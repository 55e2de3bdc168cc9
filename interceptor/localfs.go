package interceptor

import (
	"context"
	"os"

	"github.com/aleksk/LazyCopy/fetch"
	"github.com/aleksk/LazyCopy/lazyerr"
)

// OSFilesystem implements LocalFilesystem against the real operating
// system, the POSIX analog of FltSetInformationFile/ZwOpenFile against
// the local volume.
type OSFilesystem struct{}

func (OSFilesystem) SetEOF(ctx context.Context, path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return lazyerr.Wrap(lazyerr.IOFailed, "localfs.SetEOF", err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return lazyerr.Wrap(lazyerr.IOFailed, "localfs.SetEOF", err)
	}
	return nil
}

func (OSFilesystem) OpenForFetch(ctx context.Context, path string) (fetch.WriterAtCloser, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, lazyerr.Wrap(lazyerr.IOFailed, "localfs.OpenForFetch", err)
	}
	return f, nil
}
