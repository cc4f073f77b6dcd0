package control

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"smt-cosched/internal/errkind"
	"smt-cosched/internal/logging"

	"github.com/sirupsen/logrus"
)

// Lifecycle is the controller surface the endpoint dispatches into.
type Lifecycle interface {
	AddTracked(pgid, jobid, workerNum int32) error
	RemoveTracked(pgid int32) error
	SetThreshold(seconds int32) error
	SetAgentEndpoint(id int32) error
	RequestProfile(pid int32) error
}

// Resetter is the engine surface for RESET_COUNTERS.
type Resetter interface {
	ResetAll()
}

// Server is the daemon's named control endpoint: a unix socket speaking
// the binary command frames. Each frame is answered with one i32 status
// code (0 or a negative error kind).
type Server struct {
	path      string
	lifecycle Lifecycle
	resetter  Resetter
	logger    *logrus.Logger

	listener net.Listener
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func NewServer(path string, lifecycle Lifecycle, resetter Resetter) *Server {
	return &Server{
		path:      path,
		lifecycle: lifecycle,
		resetter:  resetter,
		logger:    logging.GetLogger(),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket, replacing a stale one from a previous run.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale control socket: %w", err)
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	s.listener = listener
	s.logger.WithField("path", s.path).Info("control: endpoint listening")
	return nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.WithError(err).Warn("control: accept failed")
				continue
			}
			s.connMu.Lock()
			s.conns[conn] = struct{}{}
			s.connMu.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() {
					s.connMu.Lock()
					delete(s.conns, conn)
					s.connMu.Unlock()
					conn.Close()
				}()
				s.handleConn(conn)
			}()
		}
	}()
}

func (s *Server) handleConn(conn net.Conn) {
	for {
		var cmdBuf [4]byte
		if _, err := io.ReadFull(conn, cmdBuf[:]); err != nil {
			return
		}
		cmd := binary.LittleEndian.Uint32(cmdBuf[:])

		words := payloadWords(cmd)
		if words < 0 {
			s.respond(conn, fmt.Errorf("command %d: %w", cmd, errkind.ErrNotSupported))
			continue
		}

		payload := make([]int32, words)
		if words > 0 {
			buf := make([]byte, words*4)
			if _, err := io.ReadFull(conn, buf); err != nil {
				return
			}
			for i := range payload {
				payload[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
			}
		}

		s.respond(conn, s.dispatch(cmd, payload))
	}
}

func (s *Server) dispatch(cmd uint32, payload []int32) error {
	switch cmd {
	case CmdResetCounters:
		s.resetter.ResetAll()
		return nil
	case CmdAddPgid:
		return s.lifecycle.AddTracked(payload[0], payload[1], payload[2])
	case CmdRemovePgid:
		return s.lifecycle.RemoveTracked(payload[0])
	case CmdSetThreshold:
		return s.lifecycle.SetThreshold(payload[0])
	case CmdSetAgentEndpoint:
		return s.lifecycle.SetAgentEndpoint(payload[0])
	case CmdRequestProfile:
		return s.lifecycle.RequestProfile(payload[0])
	default:
		return fmt.Errorf("command %d: %w", cmd, errkind.ErrNotSupported)
	}
}

func (s *Server) respond(conn net.Conn, err error) {
	if err != nil {
		s.logger.WithError(err).Debug("control: command failed")
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(errkind.Code(err)))
	if _, werr := conn.Write(buf[:]); werr != nil {
		s.logger.WithError(werr).Debug("control: response write failed")
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	os.Remove(s.path)
	return err
}
