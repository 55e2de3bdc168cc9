// GCSOpener resolves remote_path values of the form gs://bucket/object,
// for stubs whose remote source is a cloud object rather than a
// network share. Grounded on gcsfuse's gcs.Bucket interface
// (gcs/bucket.go) and cloud.google.com/go/storage, gcsfuse's own client
// library for exactly this concern.
package remote

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/aleksk/LazyCopy/fetch"
	"github.com/aleksk/LazyCopy/lazyerr"
)

// GCSOpener reads objects out of a single GCS bucket via the
// cloud.google.com/go/storage client.
type GCSOpener struct {
	Client *storage.Client
	Bucket string
}

// gcsSource adapts a storage.ObjectHandle to fetch.SizedReaderAt. GCS
// objects are not natively ReaderAt, so each ReadAt opens a ranged
// reader; this mirrors how gcsfuse's lease package turns a GCS object
// into something the rest of the filesystem can treat as random-access.
type gcsSource struct {
	ctx context.Context
	obj *storage.ObjectHandle
}

func (s *gcsSource) Size(ctx context.Context) (int64, error) {
	attrs, err := s.obj.Attrs(ctx)
	if err != nil {
		return 0, lazyerr.Wrap(lazyerr.IOFailed, "remote.gcsSource.Size", err)
	}
	return attrs.Size, nil
}

func (s *gcsSource) ReadAt(p []byte, off int64) (int, error) {
	r, err := s.obj.NewRangeReader(s.ctx, off, int64(len(p)))
	if err != nil {
		return 0, lazyerr.Wrap(lazyerr.IOFailed, "remote.gcsSource.ReadAt", err)
	}
	defer r.Close()

	n, err := io.ReadFull(r, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (GCSOpener) parseObjectName(remotePath string) (string, error) {
	name := strings.TrimPrefix(remotePath, "gs://")
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", lazyerr.New(lazyerr.InvalidArgument, "remote.GCSOpener.parseObjectName")
	}
	return parts[1], nil
}

func (o GCSOpener) Open(ctx context.Context, remotePath string) (fetch.SizedReaderAt, io.Closer, error) {
	objectName, err := o.parseObjectName(remotePath)
	if err != nil {
		return nil, nil, err
	}

	obj := o.Client.Bucket(o.Bucket).Object(objectName)
	if _, err := obj.Attrs(ctx); err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, nil, lazyerr.Wrap(lazyerr.NotFound, "remote.GCSOpener.Open", err)
		}
		return nil, nil, lazyerr.Wrap(lazyerr.IOFailed, "remote.GCSOpener.Open", err)
	}

	return &gcsSource{ctx: ctx, obj: obj}, noopCloser{}, nil
}

// noopCloser satisfies io.Closer for sources, like GCS objects, that
// hold no per-open resource the way a local file descriptor does.
type noopCloser struct{}

func (noopCloser) Close() error { return nil }
