package authority

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/die-net/veil/internal/encoder"
)

var (
	// ErrExhausted means no key could be allocated.
	ErrExhausted = errors.New("authority: no encoders available")

	// ErrUnknownKey means the key does not exist or is not allocated.
	ErrUnknownKey = errors.New("authority: unknown encoder")
)

// MaxBatch bounds count arguments to Generate and Allocate.
const MaxBatch = 1 << 16

// Service is the contract of the key authority.
type Service interface {
	// Generate materializes count new keys. With lazy set the keys are
	// only minted when Allocate needs them.
	Generate(ctx context.Context, count int, lazy bool) error

	// Allocate hands out up to n keys that are not allocated to anyone
	// else. It returns ErrExhausted if it cannot hand out any.
	Allocate(ctx context.Context, n int) ([]encoder.Key, error)

	// Deallocate returns keys so they can be allocated again.
	Deallocate(ctx context.Context, ids []uuid.UUID) error
}
