// Session is the single connected helper client's half of the
// delegation channel, from the core's point of view: the core accepts
// exactly one connection (Communication.c's port only ever has one
// client), receives Commands from it (the admin-facing
// get_version/set_mode/set_watch_paths/set_report_rate/reload_config
// family) and sends it Notifications (open_in_helper/close_in_helper/
// fetch_in_helper), blocking for each notification's reply the way
// FltSendMessage blocks a kernel thread until the client calls
// FilterReplyMessage.
package helper

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/aleksk/LazyCopy/lazyerr"
)

// Command is a decoded inbound command the helper client issued; Reply
// must be called exactly once.
type Command struct {
	Type    CommandType
	Mode    uint32   // SetOperationMode
	Rate    uint32   // SetReportRate
	Paths   []string // SetWatchPaths
	replyCh chan<- []byte
}

func (c *Command) Reply(payload []byte) { c.replyCh <- payload }

// Listener accepts the single helper connection on a Unix domain
// socket, standing in for the minifilter port the client connects to.
type Listener struct {
	ln *net.UnixListener
}

// Listen creates the socket at path (removing any stale one first) and
// starts listening.
func Listen(path string) (*Listener, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, lazyerr.Wrap(lazyerr.InvalidArgument, "helper.Listen", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, lazyerr.Wrap(lazyerr.IOFailed, "helper.Listen", err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next helper connection. It does not limit the
// number of sessions: every call returns a new, independent Session,
// and neither Listener nor Session tracks which one is current.
func (l *Listener) Accept() (*Session, error) {
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, lazyerr.Wrap(lazyerr.IOFailed, "helper.Accept", err)
	}
	pid, err := peerPID(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newSession(conn, pid), nil
}

// peerPID looks up the connecting process's pid via SO_PEERCRED, the
// POSIX analog of the handle-to-process-id lookup the connect
// handshake (section 4.4) performs when it records the helper pid.
func peerPID(conn *net.UnixConn) (int32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, lazyerr.Wrap(lazyerr.IOFailed, "helper.peerPID", err)
	}

	var cred *unix.Ucred
	var gerr error
	err = raw.Control(func(fd uintptr) {
		cred, gerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, lazyerr.Wrap(lazyerr.IOFailed, "helper.peerPID", err)
	}
	if gerr != nil {
		return 0, lazyerr.Wrap(lazyerr.IOFailed, "helper.peerPID", gerr)
	}
	return cred.Pid, nil
}

func (l *Listener) Close() error { return l.ln.Close() }

// Session is one accepted helper connection.
type Session struct {
	ID uuid.UUID

	// PeerPID is the connecting process's pid, captured via SO_PEERCRED
	// at accept time — the value the connect handshake (section 4.4)
	// records and adds to trusted_pids.
	PeerPID int32

	conn    *net.UnixConn
	r       *bufio.Reader
	writeMu sync.Mutex

	commands  chan *Command
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn *net.UnixConn, peerPID int32) *Session {
	s := &Session{
		ID:       uuid.New(),
		PeerPID:  peerPID,
		conn:     conn,
		r:        bufio.NewReader(conn),
		commands: make(chan *Command, 16),
		closed:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Commands returns the channel inbound admin commands arrive on.
func (s *Session) Commands() <-chan *Command { return s.commands }

// Close tears down the session; pending Notify calls unblock with a
// Disconnected error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.conn.Close()
}

func (s *Session) readLoop() {
	defer close(s.commands)
	for {
		kind, data, err := readFrame(s.r)
		if err != nil {
			return
		}

		reply := make(chan []byte, 1)
		c := &Command{Type: CommandType(kind), replyCh: reply}
		switch c.Type {
		case SetOperationMode:
			c.Mode, _ = decodeOperationMode(data)
		case SetReportRate:
			c.Rate, _ = decodeReportRate(data)
		case SetWatchPaths:
			c.Paths, _ = decodeWatchPaths(data)
		}

		select {
		case s.commands <- c:
		case <-s.closed:
			return
		}

		go func() {
			select {
			case payload := <-reply:
				s.writeMu.Lock()
				writeFrame(s.conn, uint32(c.Type), payload)
				s.writeMu.Unlock()
			case <-s.closed:
			}
		}()
	}
}

// notify sends a notification and waits for its single reply frame.
func (s *Session) notify(ctx context.Context, kind NotificationType, payload []byte) ([]byte, error) {
	s.writeMu.Lock()
	err := writeFrame(s.conn, uint32(kind), payload)
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		_, data, err := readFrame(s.r)
		ch <- result{data, err}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, lazyerr.Wrap(lazyerr.Timeout, "helper.notify", ctx.Err())
	case <-s.closed:
		return nil, lazyerr.New(lazyerr.Disconnected, "helper.notify")
	}
}

// NotifyOpen sends open_in_helper and returns the fd the helper opened
// for target (on behalf of source), received over the socket via
// SCM_RIGHTS — the POSIX analog of the duplicated HANDLE
// FILE_OPEN_NOTIFICATION_REPLY carries.
func (s *Session) NotifyOpen(ctx context.Context, source, target string) (int, error) {
	_, err := s.notify(ctx, OpenFileInUserMode, encodePathPair(source, target))
	if err != nil {
		return -1, err
	}
	return receiveFD(s.conn)
}

// NotifyClose sends close_in_helper for a previously received fd.
func (s *Session) NotifyClose(ctx context.Context, fd int32) error {
	_, err := s.notify(ctx, CloseFileHandle, encodeInt32(fd))
	return err
}

// NotifyFetch sends fetch_in_helper, asking the helper to perform the
// materialization itself rather than handing back an fd. Spec section 9
// notes the original never actually calls this notification from any
// code path; nothing in this repository's remote package does either,
// but the protocol support is implemented in full.
func (s *Session) NotifyFetch(ctx context.Context, source, target string) (int64, error) {
	data, err := s.notify(ctx, FetchFileInUserMode, encodePathPair(source, target))
	if err != nil {
		return 0, err
	}
	return decodeFetchReply(data)
}

// receiveFD reads one file descriptor passed alongside a unix socket
// message via SCM_RIGHTS — the duplicate this process ends up owning,
// the POSIX analog of DuplicateHandle.
func receiveFD(conn *net.UnixConn) (int, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 1)

	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, lazyerr.Wrap(lazyerr.IOFailed, "helper.receiveFD", err)
	}

	var n, oobn int
	var rerr error
	err = raw.Read(func(fd uintptr) bool {
		n, oobn, _, _, rerr = unix.Recvmsg(int(fd), buf, oob, 0)
		return true
	})
	if err != nil {
		return -1, lazyerr.Wrap(lazyerr.IOFailed, "helper.receiveFD", err)
	}
	if rerr != nil {
		return -1, lazyerr.Wrap(lazyerr.IOFailed, "helper.receiveFD", rerr)
	}
	if n == 0 {
		return -1, lazyerr.New(lazyerr.Disconnected, "helper.receiveFD")
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(scms) == 0 {
		return -1, lazyerr.New(lazyerr.Malformed, "helper.receiveFD")
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		return -1, lazyerr.New(lazyerr.Malformed, "helper.receiveFD")
	}
	return fds[0], nil
}

// SendFD passes fd to the peer alongside a one-byte payload. Exported
// for the helper-side test double in this package's tests, which plays
// the client role and must hand a real fd back via OpenFileInUserMode's
// reply.
func SendFD(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	raw, err := conn.SyscallConn()
	if err != nil {
		return lazyerr.Wrap(lazyerr.IOFailed, "helper.SendFD", err)
	}

	var serr error
	err = raw.Write(func(sysfd uintptr) bool {
		serr = unix.Sendmsg(int(sysfd), []byte{0}, rights, nil, 0)
		return true
	})
	if err != nil {
		return lazyerr.Wrap(lazyerr.IOFailed, "helper.SendFD", err)
	}
	return lazyerr.Wrap(lazyerr.IOFailed, "helper.SendFD", serr)
}
