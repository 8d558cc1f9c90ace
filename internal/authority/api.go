package authority

import (
	"github.com/google/uuid"

	"github.com/die-net/veil/internal/encoder"
)

// DefaultPrefix is where the authority API lives unless configured otherwise.
const DefaultPrefix = "http://127.0.0.1:3306/v1"

type generateRequest struct {
	Count int  `json:"count"`
	Lazy  bool `json:"lazy"`
}

type generateResponse struct {
	Generated int `json:"generated"`
}

type allocateRequest struct {
	Count int `json:"count"`
}

type allocateResponse struct {
	Encoders []encoder.Key `json:"encoders"`
}

type deallocateRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

type deallocateResponse struct {
	Deallocated int `json:"deallocated"`
}

type errorResponse struct {
	Error string `json:"error"`
}
