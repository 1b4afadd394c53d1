// Package ioexec implements the cooperative I/O Executor: a pool of
// io_thread_count shards, each a buffered admission queue fed by its
// own dispatcher goroutine. Go's runtime net poller already
// multiplexes net.Conn reads, so ioexec does not reimplement epoll —
// it adds the pool's round-robin distribution and shutdown-drain
// contract on top. A dispatched task (typically an entire session's
// lifetime, per the teacher's goroutine-per-connection accept loop)
// runs on its own goroutine rather than occupying its shard's
// dispatcher, so one long-lived or blocking session never monopolizes
// a shard and caps concurrent sessions at io_thread_count. The shard
// a session is pinned to still gives its own operations a stable,
// single-owner strand; it just isn't the goroutine the task runs on.
package ioexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/icesmtpd/icesmtpd"
)

// shard is one of the pool's admission queues. A dispatcher goroutine
// drains tasks off the queue and hands each one to its own goroutine
// to run, so a blocking or long-lived task (a whole SMTP session)
// never prevents the next dispatched task from starting.
type shard struct {
	tasks chan func()
}

// Pool is the I/O Executor: a fixed set of shards, each an admission
// queue round-robin-assigned to accepted connections, backed by
// dispatcher goroutines that fan tasks out rather than running them
// to completion themselves.
type Pool struct {
	logger icesmtp.Logger

	shards []*shard
	wg     sync.WaitGroup // dispatcher goroutines, one per shard
	taskWg sync.WaitGroup // in-flight dispatched tasks, across all shards

	mu      sync.Mutex
	running bool
	next    uint64
}

// New creates a Pool with threadCount shards. Call Start to begin
// processing dispatched tasks.
func New(threadCount int, queueDepth int, logger icesmtp.Logger) *Pool {
	if threadCount <= 0 {
		threadCount = 1
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	if logger == nil {
		logger = icesmtp.NullLogger{}
	}

	shards := make([]*shard, threadCount)
	for i := range shards {
		shards[i] = &shard{tasks: make(chan func(), queueDepth)}
	}

	return &Pool{logger: logger, shards: shards}
}

// Start launches one goroutine per shard.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	for _, s := range p.shards {
		p.wg.Add(1)
		go p.runShard(s)
	}
}

// IsRunning reports whether the pool's shards are processing tasks.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// ThreadCount returns the number of shards.
func (p *Pool) ThreadCount() int {
	return len(p.shards)
}

// NextShard returns the next shard index in round-robin order. The
// Acceptor calls this once per accepted connection so every session
// is pinned to exactly one shard for admission purposes, though its
// dispatched task runs on its own goroutine rather than the shard's.
func (p *Pool) NextShard() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := int(p.next % uint64(len(p.shards)))
	p.next++
	return idx
}

// Dispatch submits fn to run on the given shard. Returns an error if
// the pool is stopped or the shard index is out of range.
func (p *Pool) Dispatch(shardIdx int, fn func()) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return fmt.Errorf("ioexec: pool is not running")
	}
	if shardIdx < 0 || shardIdx >= len(p.shards) {
		return fmt.Errorf("ioexec: shard index %d out of range", shardIdx)
	}

	p.shards[shardIdx].tasks <- fn
	return nil
}

// Shutdown stops accepting new tasks and drains each shard's queue,
// or returns early if ctx is cancelled first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	for _, s := range p.shards {
		close(s.tasks)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.taskWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runShard is the shard's dispatcher: it never itself blocks on a
// dispatched task, only on receiving the next one, so queue depth —
// not task duration — is the only thing that can make Dispatch block.
func (p *Pool) runShard(s *shard) {
	defer p.wg.Done()
	for fn := range s.tasks {
		p.taskWg.Add(1)
		go p.runTask(fn)
	}
}

func (p *Pool) runTask(fn func()) {
	defer p.taskWg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(context.Background(), "io task panicked",
				icesmtp.Attr(icesmtp.AttrError, fmt.Sprintf("%v", r)))
		}
	}()
	fn()
}
