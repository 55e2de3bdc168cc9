package helper

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListener_Accept_CapturesPeerPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helper.sock")
	ln, err := Listen(path)
	require.NoError(t, err)
	defer ln.Close()

	client := dialRaw(t, path)
	defer client.Close()

	session, err := ln.Accept()
	require.NoError(t, err)
	defer session.Close()

	// dialRaw connects from this same test process, so the peer pid
	// SO_PEERCRED reports back must be this process's own pid.
	assert.EqualValues(t, os.Getpid(), session.PeerPID)
}

// dialRaw connects a bare net.UnixConn to the listener, playing the
// role of the external helper client without going through Session
// (Session is the core's side only).
func dialRaw(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	addr, err := net.ResolveUnixAddr("unix", path)
	require.NoError(t, err)
	conn, err := net.DialUnix("unix", nil, addr)
	require.NoError(t, err)
	return conn
}

func TestSession_CommandRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helper.sock")
	ln, err := Listen(path)
	require.NoError(t, err)
	defer ln.Close()

	client := dialRaw(t, path)
	defer client.Close()

	session, err := ln.Accept()
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, writeFrame(client, uint32(SetOperationMode), encodeOperationMode(3)))

	select {
	case cmd := <-session.Commands():
		assert.Equal(t, SetOperationMode, cmd.Type)
		assert.EqualValues(t, 3, cmd.Mode)
		cmd.Reply(nil)
	case <-time.After(2 * time.Second):
		t.Fatal("command not delivered")
	}

	kind, _, err := readFrame(client)
	require.NoError(t, err)
	assert.EqualValues(t, SetOperationMode, kind)
}

func TestSession_NotifyClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helper.sock")
	ln, err := Listen(path)
	require.NoError(t, err)
	defer ln.Close()

	client := dialRaw(t, path)
	defer client.Close()

	session, err := ln.Accept()
	require.NoError(t, err)
	defer session.Close()

	done := make(chan error, 1)
	go func() {
		done <- session.NotifyClose(context.Background(), 42)
	}()

	kind, data, err := readFrame(client)
	require.NoError(t, err)
	assert.EqualValues(t, CloseFileHandle, kind)
	fd, err := decodeInt32(data)
	require.NoError(t, err)
	assert.EqualValues(t, 42, fd)

	require.NoError(t, writeFrame(client, uint32(CloseFileHandle), nil))
	require.NoError(t, <-done)
}

func TestSession_NotifyOpen_ReceivesFD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helper.sock")
	ln, err := Listen(path)
	require.NoError(t, err)
	defer ln.Close()

	client := dialRaw(t, path)
	defer client.Close()

	session, err := ln.Accept()
	require.NoError(t, err)
	defer session.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	defer tmp.Close()

	type openResult struct {
		fd  int
		err error
	}
	resultCh := make(chan openResult, 1)
	go func() {
		fd, err := session.NotifyOpen(context.Background(), `\Device\Mup\s\f`, "/local/f")
		resultCh <- openResult{fd, err}
	}()

	kind, data, err := readFrame(client)
	require.NoError(t, err)
	assert.EqualValues(t, OpenFileInUserMode, kind)
	source, target, err := decodePathPair(data)
	require.NoError(t, err)
	assert.Equal(t, `\Device\Mup\s\f`, source)
	assert.Equal(t, "/local/f", target)

	require.NoError(t, writeFrame(client, uint32(OpenFileInUserMode), nil))
	require.NoError(t, SendFD(client, int(tmp.Fd())))

	res := <-resultCh
	require.NoError(t, res.err)
	assert.Greater(t, res.fd, 0)
	os.NewFile(uintptr(res.fd), "received").Close()
}
