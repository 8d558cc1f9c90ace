package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/die-net/veil/internal/encoder"
)

// Client is a Service backed by a remote authority's HTTP API.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient returns a Client for the API at prefix, e.g.
// "http://127.0.0.1:3306/v1". A prefix without a scheme is taken as http.
func NewClient(prefix string, hc *http.Client) (*Client, error) {
	if !strings.Contains(prefix, "://") {
		prefix = "http://" + prefix
	}
	u, err := url.Parse(prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid authority url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid authority url scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("invalid authority url: missing host")
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(u.String(), "/"), hc: hc}, nil
}

func (c *Client) Generate(ctx context.Context, count int, lazy bool) error {
	var resp generateResponse
	if err := c.post(ctx, "/generate", generateRequest{Count: count, Lazy: lazy}, &resp); err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	return nil
}

func (c *Client) Allocate(ctx context.Context, n int) ([]encoder.Key, error) {
	var resp allocateResponse
	if err := c.post(ctx, "/allocate", allocateRequest{Count: n}, &resp); err != nil {
		return nil, fmt.Errorf("allocate: %w", err)
	}
	if len(resp.Encoders) == 0 {
		return nil, fmt.Errorf("allocate: %w", ErrExhausted)
	}
	return resp.Encoders, nil
}

func (c *Client) Deallocate(ctx context.Context, ids []uuid.UUID) error {
	var resp deallocateResponse
	if err := c.post(ctx, "/deallocate", deallocateRequest{IDs: ids}, &resp); err != nil {
		return fmt.Errorf("deallocate: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er)
		switch resp.StatusCode {
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %s", ErrExhausted, er.Error)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrUnknownKey, er.Error)
		default:
			return fmt.Errorf("%s: %s", resp.Status, er.Error)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
