// Package notify implements the sd-notify-compatible receiver: a Unix
// datagram socket in the abstract namespace that accepts newline-separated
// KEY=VALUE messages with SCM_CREDENTIALS, and routes them by sender pid
// to the owning service.
package notify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/sysmasterd/internal/eventloop"
)

// Access mirrors Service.NotifyAccess: who is authorised to send messages
// affecting a given unit.
type Access string

const (
	AccessNone Access = "none"
	AccessMain Access = "main"
	AccessExec Access = "exec"
	AccessAll  Access = "all"
)

// Message is one parsed datagram plus its sender's pid; it has not yet been
// checked against any unit's NotifyAccess=.
type Message struct {
	SenderPid int
	Fields    map[string]string
}

// Receiver is the NotifyReceiver component.
type Receiver struct {
	fd     int
	loop   *eventloop.EventLoop
	logger zerolog.Logger
	handle func(Message)
	stopCh chan struct{}
}

// SocketPath is the abstract-namespace path advertised to children via
// NOTIFY_SOCKET. An abstract socket path starts with a NUL byte.
const SocketPath = "@sysmasterd/notify"

// New opens the notify socket and begins routing datagrams onto loop.
// handle is invoked once per accepted datagram with the parsed fields;
// callers are responsible for authorisation (see Authorize) before acting
// on a message's keys.
func New(loop *eventloop.EventLoop, logger zerolog.Logger, handle func(Message)) (*Receiver, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("notify: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("notify: SO_PASSCRED: %w", err)
	}

	sa := &unix.SockaddrUnix{Name: "\x00" + strings.TrimPrefix(SocketPath, "@")}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("notify: bind %s: %w", SocketPath, err)
	}

	r := &Receiver{
		fd:     fd,
		loop:   loop,
		logger: logger.With().Str("component", "notify").Logger(),
		handle: handle,
		stopCh: make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Close shuts the receiver's socket down.
func (r *Receiver) Close() error {
	close(r.stopCh)
	return unix.Close(r.fd)
}

func (r *Receiver) run() {
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		n, oobn, _, _, err := unix.Recvmsg(r.fd, buf, oob, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-r.stopCh:
				return
			default:
			}
			r.logger.Error().Err(err).Msg("recvmsg failed")
			continue
		}

		senderPid, ok := extractCredPid(oob[:oobn])
		if !ok {
			r.logger.Warn().Msg("dropped notify datagram with no SCM_CREDENTIALS")
			continue
		}

		fields := parseMessage(buf[:n])
		msg := Message{SenderPid: senderPid, Fields: fields}
		r.loop.Post(eventloop.PriorityNormal, "notify", func() {
			r.handle(msg)
		})
	}
}

func extractCredPid(oob []byte) (int, bool) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, c := range cmsgs {
		if c.Header.Level != unix.SOL_SOCKET || c.Header.Type != unix.SCM_CREDENTIALS {
			continue
		}
		ucred, err := unix.ParseUnixCredentials(&c)
		if err != nil {
			continue
		}
		return int(ucred.Pid), true
	}
	return 0, false
}

func parseMessage(data []byte) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		fields[k] = v
	}
	return fields
}

// Authorize implements the §4.4.5 access-check table for a resolved
// unit's configured NotifyAccess.
func Authorize(access Access, senderPid, mainPid, controlPid int) bool {
	switch access {
	case AccessNone:
		return false
	case AccessMain:
		if mainPid == 0 {
			return false
		}
		return senderPid == mainPid
	case AccessExec:
		if mainPid == 0 && controlPid == 0 {
			return false
		}
		return senderPid == mainPid || senderPid == controlPid
	case AccessAll:
		return true
	default:
		return false
	}
}

// ParsePid parses a MAINPID=<pid> value.
func ParsePid(value string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("notify: invalid pid %q: %w", value, err)
	}
	return pid, nil
}
