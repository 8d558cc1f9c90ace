package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/die-net/veil/internal/authority"
	"github.com/die-net/veil/internal/encoder"
)

// countingAuthority wraps a Store and counts allocate calls.
type countingAuthority struct {
	*authority.Store
	allocs      atomic.Int32
	deallocated atomic.Int32
	allocErr    error
	gate        chan struct{}
}

func (a *countingAuthority) Allocate(ctx context.Context, n int) ([]encoder.Key, error) {
	a.allocs.Add(1)
	if a.gate != nil {
		<-a.gate
	}
	if a.allocErr != nil {
		return nil, a.allocErr
	}
	return a.Store.Allocate(ctx, n)
}

func (a *countingAuthority) Deallocate(ctx context.Context, ids []uuid.UUID) error {
	a.deallocated.Add(int32(len(ids)))
	return a.Store.Deallocate(ctx, ids)
}

func newAuthority(t *testing.T, keys int) *countingAuthority {
	t.Helper()

	s := authority.NewStore()
	if keys > 0 {
		if err := s.Generate(context.Background(), keys, true); err != nil {
			t.Fatal(err)
		}
	}
	return &countingAuthority{Store: s}
}

func TestCheckoutConcurrentUnique(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority(t, 200)
	p := New(auth, Config{RefillSize: 7, LowWater: 3})
	defer p.Close(ctx)

	if _, err := p.Fill(ctx, 20); err != nil {
		t.Fatal(err)
	}

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := p.Checkout(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[e.ID()] {
				t.Errorf("encoder %s checked out twice", e.ID())
			}
			seen[e.ID()] = true
		}()
	}
	wg.Wait()

	if st := p.Stats(); st.Outstanding != 150 {
		t.Fatalf("outstanding = %d, want 150", st.Outstanding)
	}
}

func TestCheckoutEmptyRefillsOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("refill_succeeds", func(t *testing.T) {
		auth := newAuthority(t, 5)
		p := New(auth, Config{RefillSize: 5})

		e, err := p.Checkout(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if e == nil {
			t.Fatal("nil encoder")
		}
		if got := auth.allocs.Load(); got != 1 {
			t.Fatalf("allocate called %d times, want 1", got)
		}
		if st := p.Stats(); st.Available != 4 || st.Outstanding != 1 || st.Held != 5 {
			t.Fatalf("stats = %+v", st)
		}
	})

	t.Run("refill_fails", func(t *testing.T) {
		auth := newAuthority(t, 0)
		p := New(auth, Config{RefillSize: 5})

		_, err := p.Checkout(ctx)
		if !errors.Is(err, ErrExhausted) {
			t.Fatalf("err = %v, want ErrExhausted", err)
		}
		if !errors.Is(err, authority.ErrExhausted) {
			t.Fatalf("err = %v, want it to wrap the authority error", err)
		}
		if got := auth.allocs.Load(); got != 1 {
			t.Fatalf("allocate called %d times, want 1", got)
		}
	})
}

func TestConcurrentRefillCoalesced(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority(t, 100)
	auth.gate = make(chan struct{})
	p := New(auth, Config{RefillSize: 10})

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Checkout(ctx)
			errs <- err
		}()
	}

	// Let every caller find the cache empty before the one refill returns.
	time.Sleep(50 * time.Millisecond)
	close(auth.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := auth.allocs.Load(); got != 1 {
		t.Fatalf("allocate called %d times, want 1", got)
	}
}

func TestLowWaterBackgroundRefill(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority(t, 50)
	p := New(auth, Config{RefillSize: 10, LowWater: 2})

	if _, err := p.Fill(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Checkout(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Available < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("background refill did not run: %+v", p.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReleaseAndClose(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority(t, 10)
	p := New(auth, Config{RefillSize: 10})

	if n, err := p.Fill(ctx, 4); err != nil || n != 4 {
		t.Fatalf("Fill = %d, %v", n, err)
	}

	e, err := p.Checkout(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(e)

	if st := p.Stats(); st.Available != 3 || st.Outstanding != 0 || st.Held != 3 {
		t.Fatalf("stats after release = %+v", st)
	}
	if got := auth.deallocated.Load(); got != 1 {
		t.Fatalf("deallocated %d keys after release, want 1", got)
	}

	inFlight, err := p.Checkout(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if got := auth.deallocated.Load(); got != 4 {
		t.Fatalf("deallocated %d keys, want 4", got)
	}
	if st := auth.Stats(); st.Allocated != 0 {
		t.Fatalf("authority still has %d allocated", st.Allocated)
	}

	allocs := auth.allocs.Load()
	if _, err := p.Checkout(ctx); !errors.Is(err, ErrExhausted) || !errors.Is(err, errClosed) {
		t.Fatalf("checkout after close: err = %v", err)
	}
	if got := auth.allocs.Load(); got != allocs {
		t.Fatalf("checkout after close called allocate %d times", got-allocs)
	}

	// A checkout that outlived Close is not deallocated twice.
	p.Release(inFlight)
	if got := auth.deallocated.Load(); got != 4 {
		t.Fatalf("deallocated %d keys after late release, want 4", got)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestReleaseReturnsKeysToAuthority(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority(t, 3)
	p := New(auth, Config{RefillSize: 1})
	defer p.Close(ctx)

	// More connections than the authority has keys, one at a time.
	for i := 0; i < 10; i++ {
		e, err := p.Checkout(ctx)
		if err != nil {
			t.Fatalf("connection %d: %v (pool %+v, authority %+v)", i+1, err, p.Stats(), auth.Stats())
		}
		if st, ast := p.Stats(), auth.Stats(); ast.Allocated != st.Outstanding+st.Available {
			t.Fatalf("connection %d checked out: authority allocated %d, pool %+v", i+1, ast.Allocated, st)
		}

		p.Release(e)
		if st, ast := p.Stats(), auth.Stats(); ast.Allocated != st.Outstanding+st.Available {
			t.Fatalf("connection %d released: authority allocated %d, pool %+v", i+1, ast.Allocated, st)
		}
	}
}

func TestReleaseConcurrentAccounting(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority(t, 8)
	p := New(auth, Config{RefillSize: 2})
	defer p.Close(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				e, err := p.Checkout(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				p.Release(e)
			}
		}()
	}
	wg.Wait()

	st, ast := p.Stats(), auth.Stats()
	if st.Outstanding != 0 || ast.Allocated != st.Available || st.Held != st.Available {
		t.Fatalf("pool %+v, authority %+v", st, ast)
	}
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority(t, 0)
	p := New(auth, Config{})

	if err := p.Generate(ctx, 3, true); err != nil {
		t.Fatal(err)
	}
	if st := auth.Stats(); st.Pending != 3 {
		t.Fatalf("authority stats = %+v", st)
	}

	if err := p.Generate(ctx, 0, false); err == nil {
		t.Fatal("expected error")
	}
}
