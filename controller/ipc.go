package controller

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/gateway"
	"github.com/ccvpn-oss/ccvpn/logger"
)

// maxFrameBody bounds a single IPC frame, same defensive purpose as
// espwire.MaxFrameBody/ssltunnel's maxFrameBody: a corrupt or hostile
// length prefix must not trigger an unbounded allocation.
const maxFrameBody = 1 << 20

// CommandKind discriminates the seven lifecycle/read commands plus the
// two messages that answer a pending interactive prompt, all framed
// over the same Unix-domain socket (§6).
type CommandKind string

const (
	CmdConnect          CommandKind = "connect"
	CmdDisconnect       CommandKind = "disconnect"
	CmdReconnect        CommandKind = "reconnect"
	CmdStatus           CommandKind = "status"
	CmdInfo             CommandKind = "info"
	CmdGetLoginOptions  CommandKind = "get_login_options"
	CmdCancel           CommandKind = "cancel"
	CmdChallengeAnswer  CommandKind = "challenge_answer"
)

// Command is one request frame a client (ccvpnctl, or a GUI) sends.
type Command struct {
	ID          string      `json:"id"`
	Kind        CommandKind `json:"kind"`
	ProfileName string      `json:"profile_name,omitempty"`
	Server      string      `json:"server,omitempty"`
	Answer      string      `json:"answer,omitempty"`
	Cancel      bool        `json:"cancel,omitempty"`
}

// ReplyKind discriminates Reply frames; "notification" replies carry
// no correlation id of their own request since they're pushed, not
// requested.
type ReplyKind string

const (
	ReplyOK           ReplyKind = "ok"
	ReplyError        ReplyKind = "error"
	ReplyNotification ReplyKind = "notification"
)

// Reply is one response frame, correlated to its Command by ID except
// for unsolicited notification pushes.
type Reply struct {
	ID           string               `json:"id,omitempty"`
	Kind         ReplyKind            `json:"kind"`
	Status       *Status              `json:"status,omitempty"`
	LoginOptions *gateway.LoginOptions `json:"login_options,omitempty"`
	Error        string               `json:"error,omitempty"`
	Notification *Notification        `json:"notification,omitempty"`
}

// Server is the Unix-domain-socket IPC front end ccvpnd runs, giving
// ccvpnctl (and a GUI) access to one Controller.
type Server struct {
	sockPath string
	ctrl     *Controller
	log      *logger.Writer

	mu      sync.Mutex
	clients map[net.Conn]*bufio.Writer
}

// NewServer builds an IPC server bound to sockPath, not yet listening.
func NewServer(sockPath string, ctrl *Controller, log *logger.Writer) *Server {
	return &Server{sockPath: sockPath, ctrl: ctrl, log: log, clients: make(map[net.Conn]*bufio.Writer)}
}

// ListenAndServe binds the socket (removing any stale one first, since
// a prior crash leaves the path occupied) and serves connections until
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		return ccerr.Res("ipc_stale_socket", "remove stale IPC socket", err)
	}
	ln, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return ccerr.Res("ipc_listen_failed", "listen on IPC socket", err)
	}
	if err := os.Chmod(s.sockPath, 0600); err != nil {
		ln.Close()
		return ccerr.Res("ipc_chmod_failed", "chmod IPC socket", err)
	}
	defer ln.Close()

	go s.broadcastLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return ccerr.Res("ipc_accept_failed", "accept IPC connection", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// broadcastLoop fans out every controller notification to every
// currently-registered client; a client's write error just drops it,
// it never aborts other clients or the controller (§5 teardown
// doesn't get to know or care who's listening).
func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.ctrl.Notifications():
			if !ok {
				return
			}
			reply := Reply{Kind: ReplyNotification, Notification: &n}
			s.mu.Lock()
			for conn, w := range s.clients {
				if err := writeFrame(w, reply); err != nil || w.Flush() != nil {
					delete(s.clients, conn)
					conn.Close()
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	w := bufio.NewWriter(conn)
	s.mu.Lock()
	s.clients[conn] = w
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		body, err := readFrame(r)
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(body, &cmd); err != nil {
			writeFrame(w, Reply{Kind: ReplyError, Error: "malformed command"})
			w.Flush()
			continue
		}
		if cmd.ID == "" {
			cmd.ID = uuid.NewString()
		}
		reply := s.dispatch(ctx, &cmd)
		if err := writeFrame(w, reply); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd *Command) Reply {
	switch cmd.Kind {
	case CmdConnect:
		if err := s.ctrl.Connect(ctx); err != nil {
			return errReply(cmd.ID, err)
		}
		st := s.ctrl.Status()
		return Reply{ID: cmd.ID, Kind: ReplyOK, Status: &st}

	case CmdDisconnect:
		if err := s.ctrl.Disconnect(ctx); err != nil {
			return errReply(cmd.ID, err)
		}
		st := s.ctrl.Status()
		return Reply{ID: cmd.ID, Kind: ReplyOK, Status: &st}

	case CmdReconnect:
		if err := s.ctrl.Reconnect(ctx); err != nil {
			return errReply(cmd.ID, err)
		}
		st := s.ctrl.Status()
		return Reply{ID: cmd.ID, Kind: ReplyOK, Status: &st}

	case CmdStatus:
		st := s.ctrl.Status()
		return Reply{ID: cmd.ID, Kind: ReplyOK, Status: &st}

	case CmdInfo, CmdGetLoginOptions:
		opts, err := s.ctrl.GetLoginOptions(ctx, cmd.Server)
		if err != nil {
			return errReply(cmd.ID, err)
		}
		return Reply{ID: cmd.ID, Kind: ReplyOK, LoginOptions: opts}

	case CmdCancel:
		s.ctrl.Cancel()
		return Reply{ID: cmd.ID, Kind: ReplyOK}

	case CmdChallengeAnswer:
		var err error
		if cmd.Cancel {
			err = s.ctrl.CancelChallenge()
		} else {
			err = s.ctrl.AnswerChallenge(ctx, cmd.Answer)
		}
		if err != nil {
			return errReply(cmd.ID, err)
		}
		return Reply{ID: cmd.ID, Kind: ReplyOK}

	default:
		return Reply{ID: cmd.ID, Kind: ReplyError, Error: fmt.Sprintf("unknown command kind %q", cmd.Kind)}
	}
}

func errReply(id string, err error) Reply {
	return Reply{ID: id, Kind: ReplyError, Error: err.Error()}
}

// writeFrame/readFrame implement the length-prefixed JSON framing
// (§6): a 4-byte big-endian length followed by that many bytes of
// JSON, the same split-header/body shape espwire and ssltunnel use for
// their own wire frames.
func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBody {
		return nil, errors.New("controller: IPC frame exceeds maximum size")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
