// Package reparse implements the stub-mark reader/clearer: the
// out-of-band marker that says "this file's content has not been
// materialized yet, fetch remote_path (declared remote_size bytes)
// before serving reads or writes."
//
// On NTFS this marker is a reparse point; POSIX filesystems have no
// equivalent, so the mark is stored as an extended attribute via
// github.com/pkg/xattr (a dependency azcopy already carries for the
// same "small piece of out-of-band metadata on a file" concern). The
// wire layout of the attribute's value mirrors the tag/remote_size/
// remote_path structure from the driver's reparse-point format.
package reparse

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/xattr"

	"github.com/aleksk/LazyCopy/lazyerr"
)

// AttrName is the extended attribute key the mark is stored under.
const AttrName = "user.lazycopy.mark"

// Attributes mirrors the subset of NTFS file attribute bits the
// original clears once a file is materialized (OFFLINE and
// NOT_CONTENT_INDEXED have no ext4/xfs analog). The bits are stored
// inside the mark's payload, so Clear drops them together with the
// mark; there is no separate attribute-clearing step.
type Attributes uint32

const (
	AttrOffline           Attributes = 1 << 0
	AttrReparsePoint      Attributes = 1 << 1
	AttrNotContentIndexed Attributes = 1 << 2
)

// Mark is the decoded stub marker.
type Mark struct {
	RemoteSize       int64
	RemotePath       string
	DelegateToHelper bool
	Attrs            Attributes
}

const magic uint32 = 0x4C435052 // "LCPR"

// encode serializes m to the on-disk attribute payload:
// magic(4) | remoteSize(8) | delegate(1) | attrs(4) | remotePath (UTF-8, NUL-terminated).
func encode(m Mark) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, magic)
	binary.Write(&buf, binary.LittleEndian, m.RemoteSize)
	delegate := byte(0)
	if m.DelegateToHelper {
		delegate = 1
	}
	buf.WriteByte(delegate)
	binary.Write(&buf, binary.LittleEndian, uint32(m.Attrs))
	buf.WriteString(m.RemotePath)
	buf.WriteByte(0)
	return buf.Bytes()
}

func decode(data []byte) (Mark, error) {
	const headerLen = 4 + 8 + 1 + 4
	if len(data) < headerLen+1 {
		return Mark{}, lazyerr.New(lazyerr.Malformed, "reparse.decode")
	}

	got := binary.LittleEndian.Uint32(data[0:4])
	if got != magic {
		return Mark{}, lazyerr.Wrap(lazyerr.Malformed, "reparse.decode", fmt.Errorf("bad magic %x", got))
	}

	m := Mark{
		RemoteSize:       int64(binary.LittleEndian.Uint64(data[4:12])),
		DelegateToHelper: data[12] != 0,
		Attrs:            Attributes(binary.LittleEndian.Uint32(data[13:17])),
	}

	path := data[headerLen:]
	nul := bytes.IndexByte(path, 0)
	if nul < 0 {
		return Mark{}, lazyerr.New(lazyerr.Malformed, "reparse.decode")
	}
	m.RemotePath = string(path[:nul])

	return m, nil
}

// Write installs or replaces the stub mark on the file at path.
func Write(path string, m Mark) error {
	if err := xattr.Set(path, AttrName, encode(m)); err != nil {
		return lazyerr.Wrap(lazyerr.IOFailed, "reparse.Write", err)
	}
	return nil
}

// Read returns the stub mark on path, or a NotFound error if the file
// carries none (it has already been materialized, or never was a stub).
func Read(path string) (Mark, error) {
	data, err := xattr.Get(path, AttrName)
	if err != nil {
		if xattr.IsNotExist(err) {
			return Mark{}, lazyerr.New(lazyerr.NotFound, "reparse.Read")
		}
		return Mark{}, lazyerr.Wrap(lazyerr.IOFailed, "reparse.Read", err)
	}
	return decode(data)
}

// Clear removes the stub mark, the POSIX analog of untagging a reparse
// point. Idempotent: clearing an already-clear file is not an error,
// matching the driver's own idempotent-untag guarantee (spec section 8).
func Clear(path string) error {
	err := xattr.Remove(path, AttrName)
	if err != nil && !xattr.IsNotExist(err) {
		return lazyerr.Wrap(lazyerr.IOFailed, "reparse.Clear", err)
	}
	return nil
}

// Present reports whether path currently carries a stub mark, without
// decoding its payload.
func Present(path string) (bool, error) {
	_, err := xattr.Get(path, AttrName)
	if err != nil {
		if xattr.IsNotExist(err) {
			return false, nil
		}
		return false, lazyerr.Wrap(lazyerr.IOFailed, "reparse.Present", err)
	}
	return true, nil
}
