package keyfold

import (
	"context"
	"log"

	"github.com/keyfold/keyfold/backend"
)

// Vault is the store adapter: it builds scoped queries and records for a
// platform secure store, encodes and decodes typed values, and reduces
// every backend outcome to a boolean or an optional value. A Vault never
// returns an error and never panics on backend failure.
//
// A Vault holds no state beyond the immutable Config and the store handle,
// and is safe for concurrent use when its backend is. Concurrent writes to
// the same key are last-writer-wins; see the upsert note on the Set
// methods.
type Vault struct {
	store backend.SecureStore
	cfg   Config
}

// New creates a Vault over the given secure store with the given scope.
func New(store backend.SecureStore, cfg Config) *Vault {
	return &Vault{store: store, cfg: cfg}
}

// Config returns the scope the Vault was constructed with.
func (v *Vault) Config() Config { return v.cfg }

// SetString stores value under key, creating or replacing the entry.
// Reports false when the value is not valid UTF-8 or the backend rejects
// the write.
func (v *Vault) SetString(ctx context.Context, key, value string) bool {
	payload, err := encodeString(value)
	if err != nil {
		v.debugf(v.cfg.Debug, "set %q: %v", key, err)
		return false
	}
	return v.upsert(ctx, key, payload, v.cfg.Debug)
}

// SetInt32 stores value under key, creating or replacing the entry.
func (v *Vault) SetInt32(ctx context.Context, key string, value int32) bool {
	return v.upsert(ctx, key, encodeInt32(value), v.cfg.Debug)
}

// SetInt64 stores value under key, creating or replacing the entry.
func (v *Vault) SetInt64(ctx context.Context, key string, value int64) bool {
	return v.upsert(ctx, key, encodeInt64(value), v.cfg.Debug)
}

// SetFloat32 stores value under key, creating or replacing the entry.
func (v *Vault) SetFloat32(ctx context.Context, key string, value float32) bool {
	return v.upsert(ctx, key, encodeFloat32(value), v.cfg.Debug)
}

// SetFloat64 stores value under key, creating or replacing the entry.
func (v *Vault) SetFloat64(ctx context.Context, key string, value float64) bool {
	return v.upsert(ctx, key, encodeFloat64(value), v.cfg.Debug)
}

// SetBool stores value under key, creating or replacing the entry.
func (v *Vault) SetBool(ctx context.Context, key string, value bool) bool {
	return v.upsert(ctx, key, encodeBool(value), v.cfg.Debug)
}

// SetBytes stores a raw byte value under key, creating or replacing the
// entry.
func (v *Vault) SetBytes(ctx context.Context, key string, value []byte) bool {
	return v.upsert(ctx, key, encodeBytes(value), v.cfg.Debug)
}

// GetString returns the string stored under key. Absent keys, backend
// failures and payloads of a different type all report ("", false).
func (v *Vault) GetString(ctx context.Context, key string) (string, bool) {
	payload, ok := v.fetch(ctx, key, v.cfg.Debug)
	if !ok {
		return "", false
	}
	value, err := decodeString(payload)
	if err != nil {
		v.debugf(v.cfg.Debug, "get %q: %v", key, err)
		return "", false
	}
	return value, true
}

// GetInt32 returns the int32 stored under key; absence, failure and type
// mismatch report (0, false).
func (v *Vault) GetInt32(ctx context.Context, key string) (int32, bool) {
	payload, ok := v.fetch(ctx, key, v.cfg.Debug)
	if !ok {
		return 0, false
	}
	value, err := decodeInt32(payload)
	if err != nil {
		v.debugf(v.cfg.Debug, "get %q: %v", key, err)
		return 0, false
	}
	return value, true
}

// GetInt64 returns the int64 stored under key; absence, failure and type
// mismatch report (0, false).
func (v *Vault) GetInt64(ctx context.Context, key string) (int64, bool) {
	payload, ok := v.fetch(ctx, key, v.cfg.Debug)
	if !ok {
		return 0, false
	}
	value, err := decodeInt64(payload)
	if err != nil {
		v.debugf(v.cfg.Debug, "get %q: %v", key, err)
		return 0, false
	}
	return value, true
}

// GetFloat32 returns the float32 stored under key; absence, failure and
// type mismatch report (0, false).
func (v *Vault) GetFloat32(ctx context.Context, key string) (float32, bool) {
	payload, ok := v.fetch(ctx, key, v.cfg.Debug)
	if !ok {
		return 0, false
	}
	value, err := decodeFloat32(payload)
	if err != nil {
		v.debugf(v.cfg.Debug, "get %q: %v", key, err)
		return 0, false
	}
	return value, true
}

// GetFloat64 returns the float64 stored under key; absence, failure and
// type mismatch report (0, false).
func (v *Vault) GetFloat64(ctx context.Context, key string) (float64, bool) {
	payload, ok := v.fetch(ctx, key, v.cfg.Debug)
	if !ok {
		return 0, false
	}
	value, err := decodeFloat64(payload)
	if err != nil {
		v.debugf(v.cfg.Debug, "get %q: %v", key, err)
		return 0, false
	}
	return value, true
}

// GetBool returns the bool stored under key; absence, failure and type
// mismatch report (false, false).
func (v *Vault) GetBool(ctx context.Context, key string) (bool, bool) {
	payload, ok := v.fetch(ctx, key, v.cfg.Debug)
	if !ok {
		return false, false
	}
	value, err := decodeBool(payload)
	if err != nil {
		v.debugf(v.cfg.Debug, "get %q: %v", key, err)
		return false, false
	}
	return value, true
}

// GetBytes returns the raw bytes stored under key; absence, failure and
// type mismatch report (nil, false).
func (v *Vault) GetBytes(ctx context.Context, key string) ([]byte, bool) {
	payload, ok := v.fetch(ctx, key, v.cfg.Debug)
	if !ok {
		return nil, false
	}
	value, err := decodeBytes(payload)
	if err != nil {
		v.debugf(v.cfg.Debug, "get %q: %v", key, err)
		return nil, false
	}
	return value, true
}

// Exists reports whether an entry with the given key is present in the
// configured scope. The payload is never requested from the backend, and
// diagnostics are suppressed regardless of Config.Debug — existence probes
// are routine, and their failures resurface through whichever operation
// follows them.
func (v *Vault) Exists(ctx context.Context, key string) bool {
	_, st := v.store.Lookup(ctx, v.query(key))
	return st.Ok()
}

// Delete removes the entry with the given key. Deleting an absent key is a
// benign no-op and reports true. The empty key is rejected here: a key-less
// query is the capability's scope-wide clear form and must not be reachable
// through Delete.
func (v *Vault) Delete(ctx context.Context, key string) bool {
	if key == "" {
		v.debugf(v.cfg.Debug, "delete: empty key")
		return false
	}
	st := v.store.Delete(ctx, v.query(key))
	if st == backend.StatusItemNotFound {
		return true
	}
	if !st.Ok() {
		v.debugf(v.cfg.Debug, "delete %q: %v", key, st)
		return false
	}
	return true
}

// Clear removes every entry in the configured scope, independent of key.
// Best-effort: failures are only visible through debug diagnostics.
func (v *Vault) Clear(ctx context.Context) {
	q := backend.Query{Service: v.cfg.ServiceName, AccessGroup: v.cfg.AccessGroup}
	if st := v.store.Delete(ctx, q); !st.Ok() {
		v.debugf(v.cfg.Debug, "clear: %v", st)
	}
}

// upsert writes through the insert-first protocol: attempt Insert, and on a
// duplicate-item conflict fall back to update. On stores with atomic
// conflict detection (the keystore) this is a true upsert; the keychain
// narrows but cannot close the window, so concurrent writers degrade to
// last-writer-wins rather than one of them failing.
func (v *Vault) upsert(ctx context.Context, key string, payload []byte, debug bool) bool {
	st := v.store.Insert(ctx, backend.Record{
		Key:         key,
		Service:     v.cfg.ServiceName,
		AccessGroup: v.cfg.AccessGroup,
		Payload:     payload,
	})
	if st == backend.StatusDuplicateItem {
		return v.update(ctx, key, payload, debug)
	}
	if !st.Ok() {
		v.debugf(debug, "set %q: %v", key, st)
		return false
	}
	return true
}

// update rewrites the payload of an existing entry. It never creates one:
// an absent key reports false.
func (v *Vault) update(ctx context.Context, key string, payload []byte, debug bool) bool {
	if st := v.store.Update(ctx, v.query(key), payload); !st.Ok() {
		v.debugf(debug, "update %q: %v", key, st)
		return false
	}
	return true
}

// fetch looks up the payload for key. Not-found is normal and never logged;
// other failures are logged when debug is set.
func (v *Vault) fetch(ctx context.Context, key string, debug bool) ([]byte, bool) {
	q := v.query(key)
	q.ReturnData = true
	payload, st := v.store.Lookup(ctx, q)
	if !st.Ok() {
		if st != backend.StatusItemNotFound {
			v.debugf(debug, "get %q: %v", key, st)
		}
		return nil, false
	}
	return payload, true
}

func (v *Vault) query(key string) backend.Query {
	return backend.Query{Key: key, Service: v.cfg.ServiceName, AccessGroup: v.cfg.AccessGroup}
}

func (v *Vault) debugf(enabled bool, format string, args ...any) {
	if !enabled {
		return
	}
	log.Printf("[Keyfold] "+format, args...)
}
