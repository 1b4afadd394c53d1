// Package dbpool implements the bespoke database connection pool used by
// icesmtpd: bounded acquire/release leasing, a SELECT 1 probe-and-rebuild
// check on lease, and a background sweep that evicts idle connections
// past their configured lifetime.
package dbpool

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/icesmtpd/icesmtpd"
)

// Config configures a Pool.
type Config struct {
	// DSN is the libpq-style connection string handed to pgx.Connect.
	DSN string

	// InitialSize is the number of connections opened eagerly at startup.
	InitialSize int

	// MaxSize is the maximum number of connections the pool will hold,
	// free or leased, at any one time.
	MaxSize int

	// ConnectTimeout bounds how long a single connection attempt may take.
	ConnectTimeout time.Duration

	// IdleTimeout is how long a free connection may sit unused before the
	// eviction sweep closes it.
	IdleTimeout time.Duration

	// EvictInterval is how often the background sweep runs. Per the pool
	// contract this defaults to 10 seconds.
	EvictInterval time.Duration

	// Logger receives occupancy and error logs from the pool.
	Logger icesmtp.Logger
}

func (c Config) withDefaults() Config {
	if c.EvictInterval <= 0 {
		c.EvictInterval = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.Logger == nil {
		c.Logger = icesmtp.NullLogger{}
	}
	return c
}

// Conn is a pooled database connection. Callers must always call Release,
// even after an error, so the pool can decide whether to recycle or
// rebuild the underlying connection.
type Conn struct {
	raw       *pgx.Conn
	pool      *Pool
	leasedAt  time.Time
	returnedAt time.Time
	broken    bool
}

// Raw exposes the underlying pgx connection for issuing queries.
func (c *Conn) Raw() *pgx.Conn { return c.raw }

// MarkBroken flags the connection as unusable; the pool rebuilds it
// instead of returning it to the free list on Release.
func (c *Conn) MarkBroken() { c.broken = true }

// Pool is a mutex+condvar connection pool, not a wrapper around pgxpool.
// The acquire/evict/probe contract here is intentionally hand-rolled: it
// is the behavior the spec asks for, not generic pooling.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	cond    *sync.Cond
	free    []*Conn
	inUse   map[*Conn]struct{}
	total   int
	closed  bool

	stopEvict chan struct{}
	evictDone chan struct{}
}

// New creates a pool and eagerly opens Config.InitialSize connections.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:       cfg,
		inUse:     make(map[*Conn]struct{}),
		stopEvict: make(chan struct{}),
		evictDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	// Started before the initial dials so Close (called below on a
	// failed initial dial) always has a running evictLoop to stop.
	go p.evictLoop()

	for i := 0; i < cfg.InitialSize; i++ {
		c, err := p.dial(ctx)
		if err != nil {
			p.Close()
			return nil, errors.WithMessage(err, "dbpool: initial connection")
		}
		p.free = append(p.free, c)
		p.total++
	}

	return p, nil
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	raw, err := pgx.Connect(dialCtx, p.cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "dbpool: connect")
	}
	return &Conn{raw: raw, pool: p, returnedAt: time.Now()}, nil
}

// probe issues SELECT 1 to verify a connection survived its idle period.
func (p *Pool) probe(ctx context.Context, c *Conn) bool {
	var one int
	row := c.raw.QueryRow(ctx, "SELECT 1")
	if err := row.Scan(&one); err != nil || one != 1 {
		return false
	}
	return true
}

// Acquire leases a connection, probing it and rebuilding on failure.
// Blocks until a connection is free or MaxSize allows a new one, or until
// ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New("dbpool: closed")
		}

		if len(p.free) > 0 {
			c := p.free[len(p.free)-1]
			p.free = p.free[:len(p.free)-1]
			p.mu.Unlock()

			if !p.probe(ctx, c) {
				c.raw.Close(ctx)
				rebuilt, err := p.dial(ctx)
				if err != nil {
					p.mu.Lock()
					p.total--
					p.cond.Signal()
					p.mu.Unlock()
					return nil, errors.WithMessage(err, "dbpool: rebuild on probe failure")
				}
				c = rebuilt
			}

			p.mu.Lock()
			p.inUse[c] = struct{}{}
			c.leasedAt = time.Now()
			p.mu.Unlock()
			return c, nil
		}

		if p.total < p.cfg.MaxSize {
			p.total++
			p.mu.Unlock()

			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.cond.Signal()
				p.mu.Unlock()
				return nil, err
			}

			p.mu.Lock()
			p.inUse[c] = struct{}{}
			c.leasedAt = time.Now()
			p.mu.Unlock()
			return c, nil
		}

		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-waitDone:
			}
		}()
		p.cond.Wait()
		close(waitDone)

		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// Release returns a connection to the pool. A connection marked broken
// (via MarkBroken, or because the caller observed an I/O error on it) is
// closed and the pool's total count is decremented instead of recycling it.
func (p *Pool) Release(c *Conn) {
	p.mu.Lock()
	delete(p.inUse, c)

	if c.broken || p.closed {
		p.total--
		p.mu.Unlock()
		c.raw.Close(context.Background())
		p.cond.Signal()
		return
	}

	c.returnedAt = time.Now()
	p.free = append(p.free, c)
	p.mu.Unlock()
	p.cond.Signal()
}

// evictLoop runs the background idle-eviction sweep every EvictInterval,
// using a queue-copy-filter-swap to avoid holding the lock while closing
// network connections.
func (p *Pool) evictLoop() {
	defer close(p.evictDone)

	ticker := time.NewTicker(p.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopEvict:
			return
		case <-ticker.C:
			p.evictOnce()
		}
	}
}

func (p *Pool) evictOnce() {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	kept := make([]*Conn, 0, len(p.free))
	var evicted []*Conn
	for _, c := range p.free {
		// Only evict while above the initial size: the pool never shrinks
		// below the eagerly-opened baseline.
		if p.cfg.IdleTimeout > 0 && p.total > p.cfg.InitialSize &&
			now.Sub(c.returnedAt) > p.cfg.IdleTimeout {
			evicted = append(evicted, c)
			p.total--
			continue
		}
		kept = append(kept, c)
	}
	p.free = kept

	freeCount := len(p.free)
	inUseCount := len(p.inUse)
	totalCount := p.total
	p.mu.Unlock()

	for _, c := range evicted {
		c.raw.Close(context.Background())
	}

	p.cfg.Logger.Info(context.Background(), "dbpool occupancy",
		icesmtp.Attr("pool_size", totalCount),
		icesmtp.Attr("free", freeCount),
		icesmtp.Attr("in_use", inUseCount),
		icesmtp.Attr("evicted", len(evicted)))

	if len(evicted) > 0 {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// Close stops the eviction sweep and closes every connection, free or
// leased. Leased connections are closed once their holder calls Release;
// Close only reclaims the free list and marks the pool closed so no new
// Acquire succeeds.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	free := p.free
	p.free = nil
	p.mu.Unlock()

	close(p.stopEvict)
	<-p.evictDone

	for _, c := range free {
		c.raw.Close(context.Background())
	}
	p.cond.Broadcast()
	return nil
}
