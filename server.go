package icesmtp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/icesmtpd/icesmtpd/ioexec"
)

// AcceptorState reports the lifecycle phase of an Acceptor.
type AcceptorState int

const (
	// AcceptorStopped indicates the acceptor is not listening.
	AcceptorStopped AcceptorState = iota

	// AcceptorRunning indicates the acceptor is accepting connections.
	AcceptorRunning

	// AcceptorPausing indicates Stop(Paused) has been requested and
	// in-flight sessions are being cancelled.
	AcceptorPausing

	// AcceptorPaused indicates the acceptor has fully drained.
	AcceptorPaused
)

// StopMode controls how Stop drains live sessions.
type StopMode int

const (
	// StopGraceful closes the listener and lets live sessions finish
	// their current command before exiting on their own.
	StopGraceful StopMode = iota

	// StopPaused closes the listener and cancels every live session's
	// context immediately, aborting in-flight reads/writes.
	StopPaused
)

// Acceptor binds a listener, distributes accepted connections across
// an I/O Executor's shards round-robin, and builds one Engine per
// connection. This is the production counterpart of examples/tls_server's
// main(), generalized into a reusable type so cmd/icesmtpd can wire it
// with real configuration instead of hardcoded constants.
type Acceptor struct {
	listener net.Listener
	ioPool   *ioexec.Pool
	config   SessionConfig
	policy   ConnectionPolicy
	logger   Logger

	mu       sync.Mutex
	state    AcceptorState
	cancel   context.CancelFunc
	sessions map[*Engine]context.CancelFunc
	wg       sync.WaitGroup
}

// AcceptorOption configures an Acceptor.
type AcceptorOption func(*Acceptor)

// WithConnectionPolicy sets a policy evaluated before each accepted
// connection is handed off to a new session (e.g. max_connections).
func WithConnectionPolicy(policy ConnectionPolicy) AcceptorOption {
	return func(a *Acceptor) { a.policy = policy }
}

// WithAcceptorLogger sets the logger used for accept-loop events.
func WithAcceptorLogger(logger Logger) AcceptorOption {
	return func(a *Acceptor) { a.logger = logger }
}

// NewAcceptor creates an Acceptor bound to listener, dispatching
// sessions onto ioPool and constructing each Engine from config.
// If config.TLSPolicy is TLSImmediate, the listener is expected to
// already be wrapped in tls.NewListener by the caller (SMTPS); for
// TLSOptional/TLSRequired, plaintext connections are accepted and
// STARTTLS is negotiated in-band by the Engine.
func NewAcceptor(listener net.Listener, ioPool *ioexec.Pool, config SessionConfig, opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{
		listener: listener,
		ioPool:   ioPool,
		config:   config,
		logger:   NullLogger{},
		sessions: make(map[*Engine]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the acceptor's current lifecycle phase.
func (a *Acceptor) State() AcceptorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start begins accepting connections. It returns once the accept loop
// goroutine has been launched; it does not block for the server's
// lifetime.
func (a *Acceptor) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state == AcceptorRunning {
		a.mu.Unlock()
		return errors.New("server: acceptor already running")
	}
	acceptCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.state = AcceptorRunning
	a.mu.Unlock()

	if !a.ioPool.IsRunning() {
		a.ioPool.Start()
	}

	go a.acceptLoop(acceptCtx, ctx)

	return nil
}

func (a *Acceptor) acceptLoop(ctx, sessionParent context.Context) {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				a.logger.Warn(ctx, "accept error", Attr(AttrError, err.Error()))
				continue
			}
		}

		shard := a.ioPool.NextShard()
		if err := a.ioPool.Dispatch(shard, func() { a.handleConn(sessionParent, conn) }); err != nil {
			a.logger.Warn(ctx, "failed to dispatch connection", Attr(AttrError, err.Error()))
			conn.Close()
		}
	}
}

func (a *Acceptor) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	info := ConnectionInfo{
		RemoteAddr: nc.RemoteAddr().String(),
		LocalAddr:  nc.LocalAddr().String(),
		TLS:        a.config.TLSPolicy == TLSImmediate,
	}
	if host, _, err := net.SplitHostPort(info.RemoteAddr); err == nil {
		info.RemoteIP = host
	}

	if a.policy != nil {
		if ok, resp := a.policy.Accept(ctx, info); !ok {
			nc.Write(resp.Bytes())
			return
		}
		if releasable, ok := a.policy.(ReleasableConnectionPolicy); ok {
			defer releasable.Release()
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	conn := WrapNetConn(nc)
	if _, ok := nc.(*tls.Conn); ok {
		info.TLS = true
	}

	engine := NewEngineWithConn(conn, a.config, WithClientIP(info.RemoteIP), WithClientAddr(info.RemoteAddr))

	a.mu.Lock()
	a.sessions[engine] = cancel
	a.mu.Unlock()
	a.wg.Add(1)

	defer func() {
		a.mu.Lock()
		delete(a.sessions, engine)
		a.mu.Unlock()
		a.wg.Done()
		cancel()
	}()

	if err := engine.Run(sessionCtx); err != nil && err != context.Canceled {
		a.logger.Debug(sessionCtx, "session ended with error", Attr(AttrError, err.Error()))
	}
}

// Stop closes the listener and, depending on mode, either lets live
// sessions drain naturally (StopGraceful) or cancels every live
// session's context immediately (StopPaused). It blocks until all
// accept-loop and session goroutines have exited.
func (a *Acceptor) Stop(mode StopMode) error {
	a.mu.Lock()
	if a.state == AcceptorStopped {
		a.mu.Unlock()
		return nil
	}
	a.state = AcceptorPausing
	cancelAccept := a.cancel
	a.mu.Unlock()

	if err := a.listener.Close(); err != nil {
		return errors.Wrap(err, "server: closing listener")
	}
	if cancelAccept != nil {
		cancelAccept()
	}

	if mode == StopPaused {
		a.mu.Lock()
		for _, cancel := range a.sessions {
			cancel()
		}
		a.mu.Unlock()
	}

	a.wg.Wait()

	if err := a.ioPool.Shutdown(context.Background()); err != nil {
		return errors.Wrap(err, "server: shutting down I/O executor")
	}

	a.mu.Lock()
	a.state = AcceptorPaused
	a.mu.Unlock()

	return nil
}

// MaxConnectionsPolicy rejects connections once a configured ceiling
// of concurrently active sessions has been reached.
type MaxConnectionsPolicy struct {
	mu       sync.Mutex
	max      int
	current  int
}

// NewMaxConnectionsPolicy creates a policy enforcing at most max
// concurrent connections.
func NewMaxConnectionsPolicy(max int) *MaxConnectionsPolicy {
	return &MaxConnectionsPolicy{max: max}
}

// Accept admits the connection if under the configured ceiling.
func (p *MaxConnectionsPolicy) Accept(_ context.Context, _ ConnectionInfo) (bool, Response) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.max > 0 && p.current >= p.max {
		return false, NewResponse(Reply421ServiceNotAvailable, "Too many connections, try again later")
	}
	p.current++
	return true, Response{}
}

// Release decrements the active connection count. The Acceptor calls
// this automatically on session completion for any configured policy
// that implements ReleasableConnectionPolicy.
func (p *MaxConnectionsPolicy) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current > 0 {
		p.current--
	}
}
