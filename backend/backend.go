// Package backend defines the narrow capability a platform secure store
// exposes to the keyfold adapter, and provides its two implementations:
// the OS credential store (Keychain) and an encrypted SQLite preference
// store (Keystore). The two share no state; callers pick one at
// configuration time, typically by probing Keychain.Available.
package backend

import (
	"context"
	"fmt"
)

// Status is a backend-defined result code. StatusSuccess is the single
// success sentinel; adapters treat every other value as failure. Beyond
// the documented duplicate-item and not-found cases, the concrete code
// carries no contract; String exists for diagnostics only.
type Status int32

const (
	// StatusSuccess is the unique success sentinel.
	StatusSuccess Status = iota
	// StatusDuplicateItem reports an Insert against an existing entry.
	StatusDuplicateItem
	// StatusItemNotFound reports a Lookup, Update or keyed Delete against
	// an absent entry.
	StatusItemNotFound
	// StatusInvalidQuery reports a query or record the backend cannot
	// represent: an empty key on a keyed operation, or scope components
	// that would forge another scope's identity.
	StatusInvalidQuery
	// StatusStoreUnavailable reports that the backend cannot serve any
	// operation: unsupported platform, tripped circuit breaker, closed
	// store.
	StatusStoreUnavailable
	// StatusInternalError covers every other backend failure.
	StatusInternalError
)

// Ok reports whether s is the success sentinel.
func (s Status) Ok() bool { return s == StatusSuccess }

// String returns a human-readable form of the code for debug logging.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusDuplicateItem:
		return "duplicate item"
	case StatusItemNotFound:
		return "item not found"
	case StatusInvalidQuery:
		return "invalid query"
	case StatusStoreUnavailable:
		return "store unavailable"
	case StatusInternalError:
		return "internal error"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Record is a payload bound to its full entry identity. Service and
// AccessGroup are exact-match scope attributes: empty means the class-wide
// default namespace, and an empty attribute never matches a non-empty one.
type Record struct {
	Key         string
	Service     string
	AccessGroup string
	Payload     []byte
}

// Query identifies entries within a scope. A keyed query addresses at most
// one entry; a query with an empty Key addresses every entry in the scope
// and is only meaningful for Delete. ReturnData applies to Lookup: when
// false, only presence is checked and the payload must not be returned.
type Query struct {
	Key         string
	Service     string
	AccessGroup string
	ReturnData  bool
}

// SecureStore is the platform secure store capability: exactly the four
// primitives the adapter composes. Each primitive is individually atomic;
// nothing is guaranteed across calls. Implementations reduce every outcome
// to a Status and must not panic.
//
// Semantics per logical key: Insert moves Absent to Present and reports
// StatusDuplicateItem when the entry exists; Update rewrites a Present
// entry and never creates one; keyed Delete moves Present to Absent and
// reports StatusItemNotFound when already absent; key-less Delete empties
// the scope and succeeds even when it was empty.
type SecureStore interface {
	Insert(ctx context.Context, rec Record) Status
	Lookup(ctx context.Context, q Query) ([]byte, Status)
	Update(ctx context.Context, q Query, payload []byte) Status
	Delete(ctx context.Context, q Query) Status
}
