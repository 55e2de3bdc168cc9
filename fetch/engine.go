// Package fetch implements the pipelined, chunked materialization copy:
// overlapping reads from the remote source with writes to the local
// file, bounded to a small fixed number of in-flight chunk buffers.
//
// Grounded on original_source/Driver/LazyCopyDriver/Fetch.c
// (LcFetchFileByChunks): a ring of at most MaxChunks buffers is seeded
// with one or two chunks up front, a read cursor and a write cursor
// each walk the ring independently, and a freed slot is only reused
// once the writer has drained it, so reads and writes overlap while
// write order is still strictly offset-increasing. Design Note section
// 9 observes that in a language with channels this reduces to two
// goroutines passing chunk buffers through a bounded channel instead
// of a hand-maintained linked list with explicit splice bookkeeping;
// that is the structure used here — the channel's buffer plus the one
// buffer the reader holds and the one the writer holds make up the
// ring (see chanCapacity), and FIFO delivery is what guarantees
// write-order monotonicity.
package fetch

import (
	"context"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aleksk/LazyCopy/clock"
	"github.com/aleksk/LazyCopy/lazyerr"
)

// Tunables, named identically to the driver's constants.
const (
	ChunkSize = 128 * 1024
	MaxChunks = 4
	IOTimeout = 15 * time.Second
)

// SizedReaderAt is the remote source the engine copies from: an
// io.ReaderAt that additionally knows its own declared size.
type SizedReaderAt interface {
	io.ReaderAt
	Size(ctx context.Context) (int64, error)
}

// WriterAtCloser is the local destination the engine copies into.
type WriterAtCloser interface {
	io.WriterAt
	io.Closer
}

type chunk struct {
	offset int64
	data   []byte
}

// Engine runs materialization copies. It holds no state beyond the
// clock, so a single Engine can be shared by every caller in the
// process, mirroring the driver keeping no per-copy global state
// beyond the tunables.
type Engine struct {
	Clock clock.Clock
}

// NewEngine returns an Engine using the real wall clock.
func NewEngine() *Engine {
	return &Engine{Clock: clock.RealClock{}}
}

// capacity picks the ring size LcInitializeChunksList uses: one chunk
// if the whole copy fits in a single chunk, else as many as MaxChunks
// allows.
func capacity(total int64) int {
	n := int(total / ChunkSize)
	if total%ChunkSize != 0 {
		n++
	}
	if n > MaxChunks {
		n = MaxChunks
	}
	if n < 1 {
		n = 1
	}
	return n
}

// chanCapacity is the channel buffer size that keeps total live chunk
// buffers (channel contents + the reader's blocked-send buffer + the
// writer's in-progress buffer) bounded by capacity(total).
func chanCapacity(total int64) int {
	n := capacity(total) - 2
	if n < 0 {
		n = 0
	}
	return n
}

// Copy materializes src (declaredSize bytes, per the stub mark) into
// dst, returning the number of bytes actually copied. It never copies
// more than min(declaredSize, the source's actual size): size
// conservation holds regardless of which one is smaller, the scenario
// spec section 8 calls out when the remote file has shrunk or grown
// since the mark was written.
func (e *Engine) Copy(ctx context.Context, dst io.WriterAt, src SizedReaderAt, declaredSize int64) (int64, error) {
	if declaredSize < 0 {
		return 0, lazyerr.New(lazyerr.InvalidArgument, "fetch.Copy")
	}

	actualSize, err := src.Size(ctx)
	if err != nil {
		return 0, lazyerr.Wrap(lazyerr.IOFailed, "fetch.Copy", err)
	}

	total := declaredSize
	if actualSize < total {
		total = actualSize
	}
	if total == 0 {
		return 0, nil
	}

	// The channel's buffer holds capacity(total)-2 chunks, not
	// capacity(total): a chunk blocked on a full send (held by the
	// reader) and a chunk just received and being written (held by the
	// writer) are each live buffers that exist outside the channel's
	// buffer slots. Sizing the channel to the full capacity would let
	// those two transiently add to whatever is already queued, so the
	// buffer is reduced by two to keep channel + reader-held +
	// writer-held capped at capacity(total) at every instant.
	chunks := make(chan chunk, chanCapacity(total))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.readChunks(gctx, src, total, chunks) })

	var written int64
	g.Go(func() error {
		n, err := e.writeChunks(gctx, dst, total, chunks)
		written = n
		return err
	})

	if err := g.Wait(); err != nil {
		return written, err
	}
	return written, nil
}

// readChunks reads total bytes from src in ChunkSize-sized pieces, in
// offset order, and sends each to chunks. Together with the channel's
// reduced buffer capacity (see chanCapacity), blocking the reader once
// the writer falls behind is what keeps at most MaxChunks buffers
// alive at once — the memory-bound invariant from spec section 8.
func (e *Engine) readChunks(ctx context.Context, src SizedReaderAt, total int64, out chan<- chunk) error {
	defer close(out)

	for offset := int64(0); offset < total; {
		length := int64(ChunkSize)
		if remaining := total - offset; remaining < length {
			length = remaining
		}

		buf := make([]byte, length)
		if _, err := readAtWithTimeout(ctx, e.Clock, src, buf, offset); err != nil {
			return lazyerr.Wrap(lazyerr.IOFailed, "fetch.readChunks", err)
		}

		select {
		case out <- chunk{offset: offset, data: buf}:
		case <-ctx.Done():
			return lazyerr.Wrap(lazyerr.Timeout, "fetch.readChunks", ctx.Err())
		}

		offset += length
	}
	return nil
}

// writeChunks drains chunks in the order readChunks produced them —
// strictly increasing offsets — and writes each to dst.
func (e *Engine) writeChunks(ctx context.Context, dst io.WriterAt, total int64, in <-chan chunk) (int64, error) {
	var written int64

	for written < total {
		select {
		case c, ok := <-in:
			if !ok {
				return written, lazyerr.New(lazyerr.IOFailed, "fetch.writeChunks")
			}
			if _, err := dst.WriteAt(c.data, c.offset); err != nil {
				return written, lazyerr.Wrap(lazyerr.IOFailed, "fetch.writeChunks", err)
			}
			written += int64(len(c.data))
		case <-ctx.Done():
			return written, lazyerr.Wrap(lazyerr.Timeout, "fetch.writeChunks", ctx.Err())
		}
	}

	return written, nil
}

func readAtWithTimeout(ctx context.Context, clk clock.Clock, src SizedReaderAt, buf []byte, offset int64) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := src.ReadAt(buf, offset)
		if err == io.EOF && n == len(buf) {
			err = nil
		}
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-clk.After(IOTimeout):
		return 0, lazyerr.New(lazyerr.Timeout, "fetch.readAtWithTimeout")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
