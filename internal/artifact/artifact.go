// Package artifact stores and fetches library payloads by content identifier.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	ErrNotFound    = errors.New("artifact: not found")
	ErrInvalidCID  = errors.New("artifact: invalid cid")
	ErrCIDMismatch = errors.New("artifact: cid mismatch")
)

// IsNotFound reports whether err means the CID is unknown to the store.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Store is a content-addressed artifact store.
type Store interface {
	// Upload stores data and returns its content identifier.
	Upload(ctx context.Context, data []byte) (string, error)
	// Download returns the bytes stored under id.
	Download(ctx context.Context, id string) ([]byte, error)
}

// GatewayError carries the raw response of a gateway call that did not
// produce a usable result.
type GatewayError struct {
	Status int
	Body   string
}

func (e *GatewayError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("gateway: HTTP %d: %s", e.Status, body)
}

// ComputeCID derives the CIDv1 (raw codec, sha2-256) of data.
func ComputeCID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// ParseCID validates a textual content identifier (v0 or v1).
func ParseCID(s string) (cid.Cid, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return cid.Undef, ErrInvalidCID
	}
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %q: %v", ErrInvalidCID, s, err)
	}
	return id, nil
}

// Instrumented wraps a Store and reports every call to record as "upload"
// or "download" with its error.
func Instrumented(s Store, record func(op string, err error)) Store {
	if record == nil {
		return s
	}
	return instrumented{Store: s, record: record}
}

type instrumented struct {
	Store
	record func(op string, err error)
}

func (i instrumented) Upload(ctx context.Context, data []byte) (string, error) {
	id, err := i.Store.Upload(ctx, data)
	i.record("upload", err)
	return id, err
}

func (i instrumented) Download(ctx context.Context, id string) ([]byte, error) {
	data, err := i.Store.Download(ctx, id)
	i.record("download", err)
	return data, err
}
