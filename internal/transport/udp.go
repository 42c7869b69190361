package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zde37/kademlia/internal/routing"
	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

// DefaultTimeout is how long a call waits for its response.
const DefaultTimeout = 2 * time.Second

// readBufferSize holds any datagram the socket can return, so oversized
// frames reach Unmarshal whole and are rejected there instead of truncated.
const readBufferSize = 65536

// Handler serves inbound requests. Implementations must not block on the network:
// handlers run on the read loop, which is also what delivers responses.
type Handler interface {
	ID() keyspace.ID

	// Observe is called with the sender of every decoded inbound message.
	Observe(c routing.Contact)

	HandleStore(ctx context.Context, sender routing.Contact, key keyspace.ID, value []byte) bool
	HandleFindNode(ctx context.Context, sender routing.Contact, target keyspace.ID) []routing.Contact
	HandleFindValue(ctx context.Context, sender routing.Contact, key keyspace.ID) ([]byte, bool, []routing.Contact)
}

// UDPTransport sends and receives Messages over one UDP socket. Responses are
// matched to waiting calls by request id.
type UDPTransport struct {
	conn    *net.UDPConn
	timeout time.Duration
	logger  *pkg.Logger

	handler Handler
	self    keyspace.ID
	started atomic.Bool

	inflight   map[uuid.UUID]chan *Message
	inflightMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	dropped atomic.Int64
}

// Listen binds a UDP socket on addr ("host:port", port 0 picks a free port).
// A non-positive timeout means DefaultTimeout.
func Listen(addr string, timeout time.Duration, logger *pkg.Logger) (*UDPTransport, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:     conn,
		timeout:  timeout,
		logger:   logger.Component("transport"),
		inflight: make(map[uuid.UUID]chan *Message),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.logger.Info().Str("addr", t.LocalAddr()).Msg("UDP transport listening")
	return t, nil
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Timeout returns the per-call response timeout.
func (t *UDPTransport) Timeout() time.Duration {
	return t.timeout
}

// Start begins serving h. It must be called once, before any outbound call.
func (t *UDPTransport) Start(h Handler) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("transport already started")
	}

	t.handler = h
	t.self = h.ID()

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// Close stops the read loop and fails all pending calls.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()

	t.logger.Info().
		Int64("dropped", t.dropped.Load()).
		Msg("UDP transport closed")
	return err
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn().Err(err).Msg("UDP read failed")
			continue
		}

		msg, err := Unmarshal(buf[:n])
		if err != nil {
			t.dropped.Add(1)
			t.logger.Debug().
				Err(err).
				Str("from", src.String()).
				Int("size", n).
				Msg("Dropping malformed datagram")
			continue
		}

		if msg.Sender == t.self {
			// our own traffic looped back
			continue
		}

		sender := routing.NewContact(msg.Sender, src.String())
		t.handler.Observe(sender)

		if msg.Kind.IsRequest() {
			t.serve(src, sender, msg)
			continue
		}
		t.deliver(msg)
	}
}

// deliver hands a response to the call waiting for it, if any.
func (t *UDPTransport) deliver(msg *Message) {
	t.inflightMu.Lock()
	ch, ok := t.inflight[msg.RequestID]
	if ok {
		delete(t.inflight, msg.RequestID)
	}
	t.inflightMu.Unlock()

	if !ok {
		t.logger.Debug().
			Str("kind", msg.Kind.String()).
			Str("request_id", msg.RequestID.String()).
			Msg("Late or unsolicited response ignored")
		return
	}
	ch <- msg
}

// send encodes msg and writes it to addr.
func (t *UDPTransport) send(addr *net.UDPAddr, msg *Message) error {
	b, err := Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDP(b, addr); err != nil {
		if errors.Is(err, syscall.EMSGSIZE) {
			return fmt.Errorf("%w: %s of %d bytes to %s", pkg.ErrMessageTooLarge, msg.Kind, len(b), addr)
		}
		return fmt.Errorf("failed to send %s to %s: %w", msg.Kind, addr, err)
	}
	return nil
}

// call sends req to addr and waits for the matching response. Timeouts and
// send failures are reported as pkg.ErrNodeUnreachable.
func (t *UDPTransport) call(ctx context.Context, addr string, req *Message) (*Message, error) {
	if !t.started.Load() {
		return nil, fmt.Errorf("transport not started")
	}
	if t.closed.Load() {
		return nil, fmt.Errorf("%w: transport closed", pkg.ErrNodeUnreachable)
	}

	dst, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", pkg.ErrNodeUnreachable, addr, err)
	}

	req.RequestID = uuid.New()
	req.Sender = t.self

	ch := make(chan *Message, 1)
	t.inflightMu.Lock()
	t.inflight[req.RequestID] = ch
	t.inflightMu.Unlock()

	defer func() {
		t.inflightMu.Lock()
		delete(t.inflight, req.RequestID)
		t.inflightMu.Unlock()
	}()

	if err := t.send(dst, req); err != nil {
		if errors.Is(err, pkg.ErrMessageTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", pkg.ErrNodeUnreachable, err)
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s to %s timed out after %s", pkg.ErrNodeUnreachable, req.Kind, addr, t.timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", pkg.ErrNodeUnreachable, ctx.Err())
	case <-t.ctx.Done():
		return nil, fmt.Errorf("%w: transport closed", pkg.ErrNodeUnreachable)
	}
}
