package lifecycle

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"smt-cosched/internal/errkind"
	"smt-cosched/internal/logging"

	"golang.org/x/sys/unix"
)

// UDPTransport sends profile-request datagrams to the profiling agent.
// Payload: "<pgid>,<elapsed_seconds>,<jobid>". The endpoint id selects the
// agent's UDP port; the host comes from configuration.
type UDPTransport struct {
	mu   sync.Mutex
	host string
	port int
	conn *net.UDPConn
}

func NewUDPTransport(host string, port int) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("open profile-request socket: %w", err)
	}
	return &UDPTransport{host: host, port: port, conn: conn}, nil
}

func (t *UDPTransport) SetEndpoint(id int32) error {
	t.mu.Lock()
	t.port = int(id)
	t.mu.Unlock()
	return nil
}

func (t *UDPTransport) SendProfileRequest(pgid int32, elapsedSec uint64, jobid int32) error {
	t.mu.Lock()
	host, port := t.host, t.port
	t.mu.Unlock()

	if port == 0 {
		return fmt.Errorf("agent endpoint not set: %w", errkind.ErrTransport)
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("resolve agent endpoint: %w", errkind.ErrTransport)
	}

	payload := fmt.Sprintf("%d,%d,%d", pgid, elapsedSec, jobid)
	if _, err := t.conn.WriteToUDP([]byte(payload), addr); err != nil {
		if isCongestion(err) {
			return errkind.TransientTransport(err)
		}
		return fmt.Errorf("send profile request: %v: %w", err, errkind.ErrTransport)
	}
	return nil
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// isCongestion classifies send failures worth retrying on the next tick.
func isCongestion(err error) bool {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOBUFS) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// AckListener receives profiling-completion ACK datagrams: a single
// little-endian i32 PGID per packet.
type AckListener struct {
	conn    *net.UDPConn
	handler func(pgid int32)
	wg      sync.WaitGroup
}

func ListenAck(listenAddr string, handler func(pgid int32)) (*AckListener, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve ack listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("open ack socket: %w", err)
	}
	return &AckListener{conn: conn, handler: handler}, nil
}

// Addr returns the bound listen address.
func (l *AckListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Run reads ACKs until the listener is closed.
func (l *AckListener) Run(ctx context.Context) {
	logger := logging.GetLogger()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		buf := make([]byte, 64)
		for {
			n, _, err := l.conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				logger.WithError(err).Debug("lifecycle: ack read failed")
				continue
			}
			if n < 4 {
				continue
			}
			pgid := int32(binary.LittleEndian.Uint32(buf[:4]))
			if pgid <= 0 {
				continue
			}
			l.handler(pgid)
		}
	}()
}

func (l *AckListener) Close() error {
	err := l.conn.Close()
	l.wg.Wait()
	return err
}
