// Package store provides the durable key/value mirror behind the client's
// local state: credentials, the theme preference and cached findings.
//
// Every key is advisory. Callers must keep working when a key is missing.
package store

import "context"

// Well-known keys.
const (
	KeyAccess  = "access"
	KeyRefresh = "refresh"
	KeyTheme   = "theme"
)

// Store persists string values under string keys.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set inserts or overwrites key.
	Set(ctx context.Context, key, value string) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeletePrefix removes every key starting with prefix and reports how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// Keys lists the keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
