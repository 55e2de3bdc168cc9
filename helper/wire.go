// Package helper implements the delegation protocol between the core
// and a single connected privileged helper process: commands the helper
// sends to the core and waits on a reply for, and notifications the core
// sends to the helper (open/close/fetch).
//
// Grounded on original_source/Driver/LazyCopyDriver/CommunicationData.h
// for the command/notification type enums and payload structs, and on
// Communication.c for the port lifecycle this package's Session
// reproduces over a Unix domain socket instead of an NT port object.
package helper

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aleksk/LazyCopy/lazyerr"
)

// CommandType mirrors DRIVER_COMMAND_TYPE.
type CommandType uint32

const (
	GetDriverVersion CommandType = 1
	ReloadConfig     CommandType = 100
	SetOperationMode CommandType = 101
	SetWatchPaths    CommandType = 102
	SetReportRate    CommandType = 103
)

// NotificationType mirrors DRIVER_NOTIFICATION_TYPE.
type NotificationType uint32

const (
	OpenFileInUserMode  NotificationType = 1
	CloseFileHandle     NotificationType = 2
	FetchFileInUserMode NotificationType = 3
)

// frameHeader is the literal {u32 kind, u32 data_len} preamble spec
// section 6 specifies for both commands and notifications; data
// follows immediately after.
type frameHeader struct {
	Kind    uint32
	DataLen uint32
}

const frameHeaderLen = 8

// wordSize is the alignment unit the wire format's MISALIGNED check is
// defined against — each payload's declared length must be a multiple
// of wordSize, since the original transports raw pointer-width data.
const wordSize = 4

func writeFrame(w io.Writer, kind uint32, data []byte) error {
	if len(data)%wordSize != 0 {
		return lazyerr.New(lazyerr.Misaligned, "helper.writeFrame")
	}

	hdr := frameHeader{Kind: kind, DataLen: uint32(len(data))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return lazyerr.Wrap(lazyerr.IOFailed, "helper.writeFrame", err)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return lazyerr.Wrap(lazyerr.IOFailed, "helper.writeFrame", err)
	}
	return nil
}

func readFrame(r io.Reader) (kind uint32, data []byte, err error) {
	var hdr frameHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		if err == io.EOF {
			return 0, nil, lazyerr.Wrap(lazyerr.Disconnected, "helper.readFrame", err)
		}
		return 0, nil, lazyerr.Wrap(lazyerr.IOFailed, "helper.readFrame", err)
	}
	if hdr.DataLen%wordSize != 0 {
		return 0, nil, lazyerr.New(lazyerr.Misaligned, "helper.readFrame")
	}

	data = make([]byte, hdr.DataLen)
	if hdr.DataLen > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return 0, nil, lazyerr.Wrap(lazyerr.Malformed, "helper.readFrame", err)
		}
	}
	return hdr.Kind, data, nil
}

// Version mirrors DRIVER_VERSION.
type Version struct {
	Major uint16
	Minor uint16
}

// EncodeVersion encodes v as a get_version reply payload.
func EncodeVersion(v Version) []byte { return encodeVersion(v) }

func encodeVersion(v Version) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], v.Major)
	binary.LittleEndian.PutUint16(buf[2:4], v.Minor)
	return buf
}

func decodeVersion(data []byte) (Version, error) {
	if len(data) < 4 {
		return Version{}, lazyerr.New(lazyerr.Malformed, "helper.decodeVersion")
	}
	return Version{
		Major: binary.LittleEndian.Uint16(data[0:2]),
		Minor: binary.LittleEndian.Uint16(data[2:4]),
	}, nil
}

// encodeOperationMode mirrors OPERATION_MODE.
func encodeOperationMode(mode uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, mode)
	return buf
}

func decodeOperationMode(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, lazyerr.New(lazyerr.Malformed, "helper.decodeOperationMode")
	}
	return binary.LittleEndian.Uint32(data), nil
}

// encodeReportRate mirrors REPORT_RATE.
func encodeReportRate(rate uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, rate)
	return buf
}

func decodeReportRate(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, lazyerr.New(lazyerr.Malformed, "helper.decodeReportRate")
	}
	return binary.LittleEndian.Uint32(data), nil
}

// encodeWatchPaths mirrors WATCH_PATHS: a path count followed by
// NUL-separated strings. UTF-16 is dropped in favor of UTF-8 since this
// is a POSIX wire peer, not an NT one.
func encodeWatchPaths(paths []string) []byte {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(paths)))
	buf.Write(countBuf[:])
	for _, p := range paths {
		buf.WriteString(p)
		buf.WriteByte(0)
	}
	return padToWord(buf.Bytes())
}

func decodeWatchPaths(data []byte) ([]string, error) {
	if len(data) < 4 {
		return nil, lazyerr.New(lazyerr.Malformed, "helper.decodeWatchPaths")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	rest := data[4:]

	paths := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, lazyerr.New(lazyerr.Malformed, "helper.decodeWatchPaths")
		}
		paths = append(paths, string(rest[:nul]))
		rest = rest[nul+1:]
	}
	return paths, nil
}

// encodePathPair mirrors FILE_OPEN_NOTIFICATION_DATA /
// FILE_FETCH_NOTIFICATION_DATA: source and target paths, NUL-separated.
func encodePathPair(source, target string) []byte {
	var buf bytes.Buffer
	buf.WriteString(source)
	buf.WriteByte(0)
	buf.WriteString(target)
	buf.WriteByte(0)
	return padToWord(buf.Bytes())
}

func decodePathPair(data []byte) (source, target string, err error) {
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return "", "", lazyerr.New(lazyerr.Malformed, "helper.decodePathPair")
	}
	source = string(data[:nul])
	rest := data[nul+1:]

	nul2 := bytes.IndexByte(rest, 0)
	if nul2 < 0 {
		return "", "", lazyerr.New(lazyerr.Malformed, "helper.decodePathPair")
	}
	target = string(rest[:nul2])
	return source, target, nil
}

// encodeInt32 is used both for FILE_CLOSE_NOTIFICATION_DATA's fd field
// (the fd number the helper should close, rather than a Windows
// HANDLE) and for an OpenFileInUserMode reply's fd field.
func encodeInt32(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

func decodeInt32(data []byte) (int32, error) {
	if len(data) < 4 {
		return 0, lazyerr.New(lazyerr.Malformed, "helper.decodeInt32")
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// encodeFetchReply mirrors FILE_FETCH_NOTIFICATION_REPLY.
func encodeFetchReply(bytesCopied int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(bytesCopied))
	return buf
}

func decodeFetchReply(data []byte) (int64, error) {
	if len(data) < 8 {
		return 0, lazyerr.New(lazyerr.Malformed, "helper.decodeFetchReply")
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

func padToWord(b []byte) []byte {
	if pad := len(b) % wordSize; pad != 0 {
		b = append(b, make([]byte, wordSize-pad)...)
	}
	return b
}

func (t CommandType) String() string {
	switch t {
	case GetDriverVersion:
		return "get_version"
	case ReloadConfig:
		return "reload_config"
	case SetOperationMode:
		return "set_operation_mode"
	case SetWatchPaths:
		return "set_watch_paths"
	case SetReportRate:
		return "set_report_rate"
	default:
		return fmt.Sprintf("command(%d)", uint32(t))
	}
}

func (t NotificationType) String() string {
	switch t {
	case OpenFileInUserMode:
		return "open_file_in_user_mode"
	case CloseFileHandle:
		return "close_file_handle"
	case FetchFileInUserMode:
		return "fetch_file_in_user_mode"
	default:
		return fmt.Sprintf("notification(%d)", uint32(t))
	}
}
