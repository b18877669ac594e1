// Package storage provides the "obtain bytes by identifier" collaborator the
// tile engine consumes: given an asset key, return the complete byte stream
// of its raster file. Backends are interchangeable; the engine never knows
// where the bytes came from.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound reports that the requested asset does not exist in the backend.
var ErrNotFound = errors.New("storage: object not found")

// Store fetches whole raster files by key.
type Store interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}
