package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/status"
)

// DefaultInboxSize bounds queued inbound requests per peer.
const DefaultInboxSize = 256

// Handler serves inbound requests. A returned error is sent back as the
// response code; nil is success.
type Handler interface {
	HandleRequest(ctx context.Context, p *Peer, req Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p *Peer, req Request) error

func (f HandlerFunc) HandleRequest(ctx context.Context, p *Peer, req Request) error {
	return f(ctx, p, req)
}

type result struct {
	err error
}

// Peer is one end of an IPC connection. Either side may issue requests;
// responses are matched by correlation id. Inbound requests are handled one
// at a time in arrival order.
type Peer struct {
	conn    io.ReadWriteCloser
	fr      *FrameReader
	fw      *FrameWriter
	handler Handler
	log     *zap.Logger
	id      string

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan result

	inbox chan Envelope

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// PeerOption configures a Peer.
type PeerOption func(*peerConfig)

type peerConfig struct {
	log          *zap.Logger
	id           string
	maxFrameSize uint32
	inboxSize    int
}

// WithLogger sets the peer logger.
func WithLogger(l *zap.Logger) PeerOption {
	return func(c *peerConfig) {
		c.log = l
	}
}

// WithID tags the peer's log records.
func WithID(id string) PeerOption {
	return func(c *peerConfig) {
		c.id = id
	}
}

// WithMaxFrameSize overrides DefaultMaxFrameSize in both directions.
func WithMaxFrameSize(n uint32) PeerOption {
	return func(c *peerConfig) {
		c.maxFrameSize = n
	}
}

// WithInboxSize overrides DefaultInboxSize.
func WithInboxSize(n int) PeerOption {
	return func(c *peerConfig) {
		c.inboxSize = n
	}
}

// NewPeer starts serving conn. handler may be nil for a peer that only
// issues requests; inbound requests are then answered with Unsupported.
func NewPeer(conn io.ReadWriteCloser, handler Handler, opts ...PeerOption) *Peer {
	cfg := peerConfig{log: zap.NewNop(), inboxSize: DefaultInboxSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	log := cfg.log
	if cfg.id != "" {
		log = log.With(zap.String("peer", cfg.id))
	}
	p := &Peer{
		conn:    conn,
		fr:      NewFrameReader(conn, cfg.maxFrameSize),
		fw:      NewFrameWriter(conn, cfg.maxFrameSize),
		handler: handler,
		log:     log,
		id:      cfg.id,
		pending: make(map[uint64]chan result),
		inbox:   make(chan Envelope, cfg.inboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.readLoop()
	go p.dispatchLoop()
	return p
}

// ID returns the id given with WithID.
func (p *Peer) ID() string { return p.id }

// Call is an outstanding request.
type Call struct {
	peer   *Peer
	id     uint64
	method Method
	ch     chan result
}

// Send writes req and returns without waiting for the response.
func (p *Peer) Send(req Request) (*Call, error) {
	select {
	case <-p.done:
		return nil, status.New("rpc "+string(req.Method()), status.Unreachable, "peer closed")
	default:
	}

	id := p.nextID.Add(1)
	data, err := EncodeRequest(id, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan result, 1)
	p.pendingMu.Lock()
	select {
	case <-p.done:
		p.pendingMu.Unlock()
		return nil, status.New("rpc "+string(req.Method()), status.Unreachable, "peer closed")
	default:
	}
	p.pending[id] = ch
	p.pendingMu.Unlock()

	if err := p.fw.WriteFrame(data); err != nil {
		p.forget(id)
		p.fail(err)
		return nil, status.Wrap("rpc "+string(req.Method()), status.Unreachable, err)
	}
	return &Call{peer: p, id: id, method: req.Method(), ch: ch}, nil
}

// Wait blocks for the response. Cancellation and a closed peer are
// Unreachable.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case r := <-c.ch:
		return r.err
	case <-ctx.Done():
		c.peer.forget(c.id)
		return status.Wrap("rpc "+string(c.method), status.Unreachable, ctx.Err())
	}
}

// Call sends req and waits for its response.
func (p *Peer) Call(ctx context.Context, req Request) error {
	call, err := p.Send(req)
	if err != nil {
		return err
	}
	return call.Wait(ctx)
}

// Done is closed once the peer has shut down.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err returns the error that shut the peer down; nil after Close or a clean
// end of stream.
func (p *Peer) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Close shuts the peer down and fails outstanding calls. It is safe to call
// from a handler.
func (p *Peer) Close() error {
	p.fail(nil)
	return nil
}

func (p *Peer) fail(err error) {
	p.closeOnce.Do(func() {
		p.errMu.Lock()
		p.err = err
		p.errMu.Unlock()

		close(p.done)
		p.cancel()
		p.conn.Close()

		p.pendingMu.Lock()
		for id, ch := range p.pending {
			ch <- result{err: status.New("rpc", status.Unreachable, "peer closed")}
			delete(p.pending, id)
		}
		p.pendingMu.Unlock()

		if err != nil {
			p.log.Debug("peer closed", zap.Error(err))
		}
	})
}

func (p *Peer) forget(id uint64) {
	p.pendingMu.Lock()
	delete(p.pending, id)
	p.pendingMu.Unlock()
}

func (p *Peer) readLoop() {
	for {
		data, err := p.fr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			select {
			case <-p.done:
				err = nil
			default:
			}
			p.fail(err)
			return
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			p.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}

		switch env.Kind {
		case KindResponse:
			p.resolve(env)
		case KindRequest:
			select {
			case p.inbox <- env:
			default:
				p.respond(env, status.New("dispatch", status.Unreachable, "inbox full"))
			}
		}
	}
}

func (p *Peer) resolve(env Envelope) {
	p.pendingMu.Lock()
	ch, ok := p.pending[env.CorrelationID]
	delete(p.pending, env.CorrelationID)
	p.pendingMu.Unlock()
	if !ok {
		p.log.Debug("response without pending call", zap.Uint64("id", env.CorrelationID))
		return
	}
	var err error
	if env.Code != status.OK {
		err = status.FromCode("rpc "+string(env.Method), env.Code, env.Error)
	}
	ch <- result{err: err}
}

func (p *Peer) dispatchLoop() {
	for {
		select {
		case <-p.done:
			return
		case env := <-p.inbox:
			p.respond(env, p.dispatch(env))
		}
	}
}

func (p *Peer) dispatch(env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panic", zap.String("method", string(env.Method)), zap.Any("panic", r))
			err = status.New("dispatch", status.Internal, "handler panic: %v", r)
		}
	}()

	req, err := DecodeRequest(env)
	if err != nil {
		return err
	}
	if p.handler == nil {
		return status.New("dispatch", status.Unsupported, "no handler for %s", env.Method)
	}
	return p.handler.HandleRequest(p.ctx, p, req)
}

func (p *Peer) respond(env Envelope, err error) {
	data, encErr := EncodeResponse(env.CorrelationID, env.Method, err)
	if encErr != nil {
		p.log.Error("encode response", zap.Error(encErr))
		return
	}
	if werr := p.fw.WriteFrame(data); werr != nil {
		p.log.Debug("write response", zap.String("method", string(env.Method)), zap.Error(werr))
	}
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer(%s)", p.id)
}
