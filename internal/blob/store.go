// Package blob defines the minimal object-store capability the chat record
// store depends on, together with the backends it can run against.
package blob

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when no object exists at the key.
	ErrNotFound = errors.New("blob: object not found")
	// ErrUnconfigured is returned by every operation of a disabled store.
	ErrUnconfigured = errors.New("blob: store not configured")
)

// Store is a flat key/value object namespace with list-by-prefix.
// Keys are UTF-8 strings; List returns every key starting with prefix.
// Delete of a missing key is not an error.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Disabled is the Store used when no backend is configured.
type Disabled struct{}

func (Disabled) Put(context.Context, string, []byte) error { return ErrUnconfigured }
func (Disabled) Get(context.Context, string) ([]byte, error) { return nil, ErrUnconfigured }
func (Disabled) List(context.Context, string) ([]string, error) { return nil, ErrUnconfigured }
func (Disabled) Delete(context.Context, string) error { return ErrUnconfigured }

var _ Store = Disabled{}
