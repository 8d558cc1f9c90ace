// Package pool hands out encoders to connections.
//
// A Pool caches keys allocated from the key authority. Every key leaves the
// cache at most once, through Checkout; checked-out keys are never reused
// in this process. Release returns a key to the authority when its
// connection ends, and Close returns whatever is still held.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/veil/internal/authority"
	"github.com/die-net/veil/internal/encoder"
)

// ErrExhausted is returned by Checkout when the cache is empty and a refill
// from the authority produced nothing.
var ErrExhausted = errors.New("pool: no encoders available")

var errClosed = errors.New("pool: closed")

// releaseTimeout bounds the authority call made by Release.
const releaseTimeout = 5 * time.Second

// Config sizes the local cache.
type Config struct {
	// RefillSize is how many keys one refill asks the authority for.
	RefillSize int

	// LowWater starts a background refill when the number of cached
	// keys drops below it after a checkout. Zero disables background
	// refills; Checkout still refills synchronously when empty.
	LowWater int

	Verbose bool
}

// Stats is a point-in-time view of a Pool.
type Stats struct {
	Available   int
	Outstanding int
	Held        int
}

type Pool struct {
	auth authority.Service
	cfg  Config

	mu          sync.Mutex
	available   []*encoder.Encoder
	outstanding map[uuid.UUID]struct{}
	held        map[uuid.UUID]struct{} // allocated to us and not yet deallocated
	closed      bool

	refillSem *semaphore.Weighted
	topUps    singleflight.Group
	bg        sync.WaitGroup
}

func New(auth authority.Service, cfg Config) *Pool {
	if cfg.RefillSize <= 0 {
		cfg.RefillSize = 10
	}
	return &Pool{
		auth:        auth,
		cfg:         cfg,
		outstanding: make(map[uuid.UUID]struct{}),
		held:        make(map[uuid.UUID]struct{}),
		refillSem:   semaphore.NewWeighted(1),
	}
}

// Generate asks the authority to materialize count new keys. With lazy set
// the authority mints them as they are allocated, so this returns quickly
// regardless of count.
func (p *Pool) Generate(ctx context.Context, count int, lazy bool) error {
	if err := p.auth.Generate(ctx, count, lazy); err != nil {
		return fmt.Errorf("pool generate: %w", err)
	}
	return nil
}

// Fill allocates n keys from the authority into the local cache and
// returns how many were added.
func (p *Pool) Fill(ctx context.Context, n int) (int, error) {
	encs, err := p.allocate(ctx, n)
	if err != nil {
		return 0, err
	}

	if err := p.stash(ctx, encs, nil); err != nil {
		return 0, err
	}
	return len(encs), nil
}

// allocate fetches n keys and records them as held. The returned encoders
// are not in the cache yet.
func (p *Pool) allocate(ctx context.Context, n int) ([]*encoder.Encoder, error) {
	keys, err := p.auth.Allocate(ctx, n)
	if err != nil {
		refillsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("pool allocate: %w", err)
	}
	refillsTotal.WithLabelValues("ok").Inc()

	encs := make([]*encoder.Encoder, 0, len(keys))
	var reject []uuid.UUID
	for _, k := range keys {
		e, err := encoder.New(k)
		if err != nil {
			reject = append(reject, k.ID)
			continue
		}
		encs = append(encs, e)
	}

	p.mu.Lock()
	closed := p.closed
	if !closed {
		kept := encs[:0]
		for _, e := range encs {
			if _, dup := p.held[e.ID()]; dup {
				continue
			}
			p.held[e.ID()] = struct{}{}
			kept = append(kept, e)
		}
		encs = kept
	}
	p.mu.Unlock()

	// Keys we cannot keep go straight back.
	if closed {
		for _, e := range encs {
			reject = append(reject, e.ID())
		}
		encs = nil
	}
	if len(reject) > 0 {
		if err := p.auth.Deallocate(ctx, reject); err != nil && p.cfg.Verbose {
			log.Printf("pool: return unusable keys: %v", err)
		}
	}
	if closed {
		return nil, errClosed
	}
	if len(encs) == 0 {
		return nil, fmt.Errorf("pool allocate: %w", authority.ErrExhausted)
	}

	return encs, nil
}

// Checkout removes one encoder from the cache. An empty cache triggers one
// synchronous refill before giving up with ErrExhausted. Refills by
// concurrent callers are serialized, and each waiter checks the cache again
// before asking the authority itself.
func (p *Pool) Checkout(ctx context.Context) (*encoder.Encoder, error) {
	if e, ok := p.take(); ok {
		return e, nil
	}

	e, err := p.refillAndTake(ctx)
	if err != nil {
		exhaustedTotal.Inc()
		return nil, fmt.Errorf("%w: %w", ErrExhausted, err)
	}
	return e, nil
}

func (p *Pool) refillAndTake(ctx context.Context) (*encoder.Encoder, error) {
	if err := p.refillSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.refillSem.Release(1)

	if e, ok := p.take(); ok {
		return e, nil
	}
	if p.isClosed() {
		return nil, errClosed
	}

	encs, err := p.allocate(ctx, p.cfg.RefillSize)
	if err != nil {
		return nil, err
	}

	// Keep the first for this caller so a concurrent take cannot leave it
	// empty-handed after a successful refill.
	e := encs[0]
	if err := p.stash(ctx, encs[1:], e); err != nil {
		return nil, err
	}
	return e, nil
}

// stash adds encs to the cache and, if mine is set, records it as checked
// out. If the pool was closed meanwhile everything is given back.
func (p *Pool) stash(ctx context.Context, encs []*encoder.Encoder, mine *encoder.Encoder) error {
	p.mu.Lock()
	if !p.closed {
		p.available = append(p.available, encs...)
		availableGauge.Set(float64(len(p.available)))
		if mine != nil {
			p.checkedOutLocked(mine)
		}
		p.mu.Unlock()
		return nil
	}

	// Close may already have deallocated some of these; only return the
	// ones still held.
	var ids []uuid.UUID
	giveBack := func(e *encoder.Encoder) {
		if _, ok := p.held[e.ID()]; ok {
			delete(p.held, e.ID())
			ids = append(ids, e.ID())
		}
	}
	for _, e := range encs {
		giveBack(e)
	}
	if mine != nil {
		giveBack(mine)
	}
	p.mu.Unlock()

	if len(ids) == 0 {
		return errClosed
	}
	if err := p.auth.Deallocate(ctx, ids); err != nil && p.cfg.Verbose {
		log.Printf("pool: return keys after close: %v", err)
	}
	return errClosed
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) take() (*encoder.Encoder, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.available) == 0 {
		return nil, false
	}

	last := len(p.available) - 1
	e := p.available[last]
	p.available[last] = nil
	p.available = p.available[:last]
	p.checkedOutLocked(e)

	return e, true
}

func (p *Pool) checkedOutLocked(e *encoder.Encoder) {
	p.outstanding[e.ID()] = struct{}{}

	checkoutsTotal.Inc()
	availableGauge.Set(float64(len(p.available)))

	if p.cfg.LowWater > 0 && len(p.available) < p.cfg.LowWater {
		p.bg.Add(1)
		go func() {
			defer p.bg.Done()
			p.topUp()
		}()
	}
}

// topUp refills the cache in the background. Concurrent top-ups share one
// authority request.
func (p *Pool) topUp() {
	_, err, _ := p.topUps.Do("top-up", func() (any, error) {
		return p.Fill(context.Background(), p.cfg.RefillSize)
	})
	if err != nil && !errors.Is(err, errClosed) && p.cfg.Verbose {
		log.Printf("pool: background refill: %v", err)
	}
}

// Release ends a checkout and deallocates the encoder's key at the
// authority. The encoder never goes back into the cache. Deallocation is
// best-effort and bounded by releaseTimeout.
func (p *Pool) Release(e *encoder.Encoder) {
	id := e.ID()

	p.mu.Lock()
	delete(p.outstanding, id)
	_, held := p.held[id]
	delete(p.held, id)
	p.mu.Unlock()

	// Close already gave it back.
	if !held {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := p.auth.Deallocate(ctx, []uuid.UUID{id}); err != nil {
		releaseErrorsTotal.Inc()
		if p.cfg.Verbose {
			log.Printf("pool: release %s: %v", id, err)
		}
	}
}

// Close deallocates every key the pool holds, checked out or not. Later
// Checkouts fail. It is best-effort: the returned error is for logging.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.bg.Wait()

	p.mu.Lock()
	ids := make([]uuid.UUID, 0, len(p.held))
	for id := range p.held {
		ids = append(ids, id)
	}
	p.held = make(map[uuid.UUID]struct{})
	p.available = nil
	availableGauge.Set(0)
	p.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := p.auth.Deallocate(ctx, ids); err != nil {
		return fmt.Errorf("pool close: %w", err)
	}
	return nil
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Available:   len(p.available),
		Outstanding: len(p.outstanding),
		Held:        len(p.held),
	}
}
