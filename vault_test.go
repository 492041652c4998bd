package keyfold

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/keyfold/keyfold/backend"
)

// memStore is a concurrent-safe in-memory SecureStore with the per-key
// semantics the real backends guarantee: Insert conflicts on existing
// entries, Update never creates, keyed Delete reports absence, key-less
// Delete empties exactly one scope.
type memStore struct {
	mu      sync.Mutex
	entries map[string][]byte

	lastLookup backend.Query
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string][]byte)}
}

func entryKey(service, accessGroup, key string) string {
	return service + "\x00" + accessGroup + "\x00" + key
}

func (m *memStore) Insert(_ context.Context, rec backend.Record) backend.Status {
	if rec.Key == "" {
		return backend.StatusInvalidQuery
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey(rec.Service, rec.AccessGroup, rec.Key)
	if _, ok := m.entries[k]; ok {
		return backend.StatusDuplicateItem
	}
	m.entries[k] = append([]byte(nil), rec.Payload...)
	return backend.StatusSuccess
}

func (m *memStore) Lookup(_ context.Context, q backend.Query) ([]byte, backend.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLookup = q
	v, ok := m.entries[entryKey(q.Service, q.AccessGroup, q.Key)]
	if !ok {
		return nil, backend.StatusItemNotFound
	}
	if !q.ReturnData {
		return nil, backend.StatusSuccess
	}
	return append([]byte(nil), v...), backend.StatusSuccess
}

func (m *memStore) Update(_ context.Context, q backend.Query, payload []byte) backend.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey(q.Service, q.AccessGroup, q.Key)
	if _, ok := m.entries[k]; !ok {
		return backend.StatusItemNotFound
	}
	m.entries[k] = append([]byte(nil), payload...)
	return backend.StatusSuccess
}

func (m *memStore) Delete(_ context.Context, q backend.Query) backend.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.Key == "" {
		prefix := q.Service + "\x00" + q.AccessGroup + "\x00"
		for k := range m.entries {
			if strings.HasPrefix(k, prefix) {
				delete(m.entries, k)
			}
		}
		return backend.StatusSuccess
	}
	k := entryKey(q.Service, q.AccessGroup, q.Key)
	if _, ok := m.entries[k]; !ok {
		return backend.StatusItemNotFound
	}
	delete(m.entries, k)
	return backend.StatusSuccess
}

func (m *memStore) seed(service, accessGroup, key string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entryKey(service, accessGroup, key)] = payload
}

func (m *memStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestVault(cfg Config) (*Vault, *memStore) {
	store := newMemStore()
	return New(store, cfg), store
}

func TestRoundTripAllTypes(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(DefaultConfig("com.example.app"))
	ctx := context.Background()

	if !v.SetString(ctx, "s", "hello") {
		t.Fatal("SetString failed")
	}
	if got, ok := v.GetString(ctx, "s"); !ok || got != "hello" {
		t.Fatalf("GetString: got %q, %v", got, ok)
	}

	if !v.SetInt32(ctx, "i32", -42) {
		t.Fatal("SetInt32 failed")
	}
	if got, ok := v.GetInt32(ctx, "i32"); !ok || got != -42 {
		t.Fatalf("GetInt32: got %d, %v", got, ok)
	}

	if !v.SetInt64(ctx, "i64", 1<<40) {
		t.Fatal("SetInt64 failed")
	}
	if got, ok := v.GetInt64(ctx, "i64"); !ok || got != 1<<40 {
		t.Fatalf("GetInt64: got %d, %v", got, ok)
	}

	if !v.SetFloat32(ctx, "f32", 1.5) {
		t.Fatal("SetFloat32 failed")
	}
	if got, ok := v.GetFloat32(ctx, "f32"); !ok || got != 1.5 {
		t.Fatalf("GetFloat32: got %v, %v", got, ok)
	}

	if !v.SetFloat64(ctx, "f64", 2.75) {
		t.Fatal("SetFloat64 failed")
	}
	if got, ok := v.GetFloat64(ctx, "f64"); !ok || got != 2.75 {
		t.Fatalf("GetFloat64: got %v, %v", got, ok)
	}

	if !v.SetBool(ctx, "b", true) {
		t.Fatal("SetBool failed")
	}
	if got, ok := v.GetBool(ctx, "b"); !ok || !got {
		t.Fatalf("GetBool: got %v, %v", got, ok)
	}

	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	if !v.SetBytes(ctx, "raw", raw) {
		t.Fatal("SetBytes failed")
	}
	if got, ok := v.GetBytes(ctx, "raw"); !ok || !bytes.Equal(got, raw) {
		t.Fatalf("GetBytes: got %x, %v", got, ok)
	}
}

func TestAbsentKeyReportsAbsent(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(DefaultConfig("com.example.app"))
	ctx := context.Background()

	if v.Exists(ctx, "missing") {
		t.Fatal("Exists reported true for absent key")
	}
	if got, ok := v.GetString(ctx, "missing"); ok || got != "" {
		t.Fatalf("GetString on absent key: got %q, %v", got, ok)
	}
	if got, ok := v.GetInt64(ctx, "missing"); ok || got != 0 {
		t.Fatalf("GetInt64 on absent key: got %d, %v", got, ok)
	}
	if got, ok := v.GetBool(ctx, "missing"); ok || got {
		t.Fatalf("GetBool on absent key: got %v, %v", got, ok)
	}
}

func TestOverwriteReplacesValue(t *testing.T) {
	t.Parallel()
	v, store := newTestVault(DefaultConfig("com.example.app"))
	ctx := context.Background()

	if !v.SetString(ctx, "k", "first") {
		t.Fatal("first SetString failed")
	}
	// The second write hits the insert-conflict path and must fall back
	// to an in-place update.
	if !v.SetString(ctx, "k", "second") {
		t.Fatal("second SetString failed")
	}
	if got, ok := v.GetString(ctx, "k"); !ok || got != "second" {
		t.Fatalf("expected second, got %q, %v", got, ok)
	}
	if store.size() != 1 {
		t.Fatalf("expected a single entry, store holds %d", store.size())
	}
}

func TestOverwriteAcrossTypes(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(DefaultConfig("com.example.app"))
	ctx := context.Background()

	if !v.SetString(ctx, "k", "text") {
		t.Fatal("SetString failed")
	}
	if !v.SetInt32(ctx, "k", 7) {
		t.Fatal("SetInt32 over string failed")
	}
	if got, ok := v.GetInt32(ctx, "k"); !ok || got != 7 {
		t.Fatalf("GetInt32: got %d, %v", got, ok)
	}
	// The old type is gone with the old payload.
	if _, ok := v.GetString(ctx, "k"); ok {
		t.Fatal("GetString succeeded after the key was rewritten as int32")
	}
}

func TestTypedReadsAreExclusive(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(DefaultConfig("com.example.app"))
	ctx := context.Background()

	if !v.SetString(ctx, "k", "123") {
		t.Fatal("SetString failed")
	}
	if _, ok := v.GetInt32(ctx, "k"); ok {
		t.Fatal("GetInt32 decoded a string payload")
	}
	if _, ok := v.GetInt64(ctx, "k"); ok {
		t.Fatal("GetInt64 decoded a string payload")
	}
	if _, ok := v.GetBool(ctx, "k"); ok {
		t.Fatal("GetBool decoded a string payload")
	}
	if _, ok := v.GetBytes(ctx, "k"); ok {
		t.Fatal("GetBytes decoded a string payload")
	}
	// Mismatched reads leave the entry intact.
	if got, ok := v.GetString(ctx, "k"); !ok || got != "123" {
		t.Fatalf("GetString after mismatched reads: got %q, %v", got, ok)
	}

	if !v.SetInt32(ctx, "n", 7) {
		t.Fatal("SetInt32 failed")
	}
	if _, ok := v.GetInt64(ctx, "n"); ok {
		t.Fatal("GetInt64 decoded an int32 payload")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(DefaultConfig("com.example.app"))
	ctx := context.Background()

	if !v.SetString(ctx, "k", "v") {
		t.Fatal("SetString failed")
	}
	if !v.Delete(ctx, "k") {
		t.Fatal("Delete failed")
	}
	if v.Exists(ctx, "k") {
		t.Fatal("entry still present after Delete")
	}
	// Deleting an absent key is a benign no-op.
	if !v.Delete(ctx, "k") {
		t.Fatal("second Delete reported failure")
	}
	if !v.Delete(ctx, "never-existed") {
		t.Fatal("Delete of never-written key reported failure")
	}
}

func TestDeleteRejectsEmptyKey(t *testing.T) {
	t.Parallel()
	v, store := newTestVault(DefaultConfig("com.example.app"))
	ctx := context.Background()

	if !v.SetString(ctx, "k", "v") {
		t.Fatal("SetString failed")
	}
	// An empty key must not reach the backend's scope-wide delete form.
	if v.Delete(ctx, "") {
		t.Fatal("Delete accepted an empty key")
	}
	if store.size() != 1 {
		t.Fatalf("empty-key Delete touched the store, %d entries remain", store.size())
	}
}

func TestScopeExactMatch(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	plain := New(store, Config{})
	scoped := New(store, Config{ServiceName: "svc"})
	grouped := New(store, Config{ServiceName: "svc", AccessGroup: "team"})
	ctx := context.Background()

	if !plain.SetString(ctx, "k", "plain") {
		t.Fatal("plain SetString failed")
	}
	if !scoped.SetString(ctx, "k", "scoped") {
		t.Fatal("scoped SetString failed")
	}
	if !grouped.SetString(ctx, "k", "grouped") {
		t.Fatal("grouped SetString failed")
	}

	// Same key, three disjoint entries: scope attributes match exactly,
	// never as a hierarchy.
	if got, _ := plain.GetString(ctx, "k"); got != "plain" {
		t.Fatalf("unscoped vault read %q", got)
	}
	if got, _ := scoped.GetString(ctx, "k"); got != "scoped" {
		t.Fatalf("service-scoped vault read %q", got)
	}
	if got, _ := grouped.GetString(ctx, "k"); got != "grouped" {
		t.Fatalf("group-scoped vault read %q", got)
	}

	if !scoped.Delete(ctx, "k") {
		t.Fatal("scoped Delete failed")
	}
	if scoped.Exists(ctx, "k") {
		t.Fatal("scoped entry survived its Delete")
	}
	if !plain.Exists(ctx, "k") || !grouped.Exists(ctx, "k") {
		t.Fatal("Delete in one scope removed another scope's entry")
	}
}

func TestClearConfinedToScope(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	a := New(store, Config{ServiceName: "app.a"})
	b := New(store, Config{ServiceName: "app.b"})
	ctx := context.Background()

	for _, key := range []string{"one", "two", "three"} {
		if !a.SetString(ctx, key, "A") {
			t.Fatalf("SetString %q in scope a failed", key)
		}
		if !b.SetString(ctx, key, "B") {
			t.Fatalf("SetString %q in scope b failed", key)
		}
	}

	a.Clear(ctx)

	for _, key := range []string{"one", "two", "three"} {
		if a.Exists(ctx, key) {
			t.Fatalf("entry %q survived Clear", key)
		}
		if !b.Exists(ctx, key) {
			t.Fatalf("Clear removed %q from the other scope", key)
		}
	}
}

func TestClearEmptyScope(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(DefaultConfig("com.example.app"))
	v.Clear(context.Background())
	if v.Exists(context.Background(), "anything") {
		t.Fatal("phantom entry after clearing an empty scope")
	}
}

func TestExistsNeverRequestsPayload(t *testing.T) {
	t.Parallel()
	v, store := newTestVault(DefaultConfig("com.example.app"))
	ctx := context.Background()

	if !v.SetString(ctx, "k", "v") {
		t.Fatal("SetString failed")
	}
	if !v.Exists(ctx, "k") {
		t.Fatal("Exists reported false for present key")
	}
	if store.lastLookup.ReturnData {
		t.Fatal("Exists asked the backend to materialize the payload")
	}
	// A value read does set the flag.
	if _, ok := v.GetString(ctx, "k"); !ok {
		t.Fatal("GetString failed")
	}
	if !store.lastLookup.ReturnData {
		t.Fatal("GetString did not request the payload")
	}
}

func TestCorruptPayloadReadsAsAbsent(t *testing.T) {
	t.Parallel()
	v, store := newTestVault(Config{ServiceName: "svc"})
	ctx := context.Background()

	store.seed("svc", "", "junk", []byte{0x7f, 0x01, 0x02})

	if got, ok := v.GetString(ctx, "junk"); ok {
		t.Fatalf("GetString decoded junk payload as %q", got)
	}
	// Presence is about the entry, not its decodability.
	if !v.Exists(ctx, "junk") {
		t.Fatal("Exists reported false for a present but undecodable entry")
	}
	if !v.Delete(ctx, "junk") {
		t.Fatal("Delete failed on undecodable entry")
	}
}

func TestSetStringRejectsInvalidUTF8(t *testing.T) {
	t.Parallel()
	v, store := newTestVault(DefaultConfig("com.example.app"))
	if v.SetString(context.Background(), "k", "bad\xff") {
		t.Fatal("SetString accepted invalid UTF-8")
	}
	if store.size() != 0 {
		t.Fatal("rejected write reached the store")
	}
}

func TestUpdateFallbackDoesNotCreate(t *testing.T) {
	t.Parallel()
	// A store that reports a conflict on Insert but then cannot find the
	// entry to update: the write must fail rather than invent an entry.
	v := New(&conflictStore{}, DefaultConfig("com.example.app"))
	if v.SetString(context.Background(), "k", "v") {
		t.Fatal("SetString reported success with no entry written")
	}
}

func TestStoreFailureReportsFalseEverywhere(t *testing.T) {
	t.Parallel()
	v := New(&failingStore{st: backend.StatusStoreUnavailable}, DefaultConfig("com.example.app"))
	ctx := context.Background()

	if v.SetString(ctx, "k", "v") {
		t.Fatal("SetString succeeded against unavailable store")
	}
	if v.SetBool(ctx, "k", true) {
		t.Fatal("SetBool succeeded against unavailable store")
	}
	if _, ok := v.GetString(ctx, "k"); ok {
		t.Fatal("GetString succeeded against unavailable store")
	}
	if v.Exists(ctx, "k") {
		t.Fatal("Exists reported true against unavailable store")
	}
	if v.Delete(ctx, "k") {
		t.Fatal("Delete succeeded against unavailable store")
	}
	// Clear is best-effort and must not panic.
	v.Clear(ctx)
}

func TestConcurrentWritersConverge(t *testing.T) {
	t.Parallel()
	v, store := newTestVault(DefaultConfig("com.example.app"))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int32) {
			defer wg.Done()
			if !v.SetInt32(ctx, "counter", n) {
				t.Errorf("SetInt32(%d) failed", n)
			}
		}(int32(i))
	}
	wg.Wait()

	if store.size() != 1 {
		t.Fatalf("expected one entry after concurrent writes, got %d", store.size())
	}
	got, ok := v.GetInt32(ctx, "counter")
	if !ok {
		t.Fatal("GetInt32 failed after concurrent writes")
	}
	if got < 0 || got > 7 {
		t.Fatalf("final value %d was never written", got)
	}
}

func TestTokenRotationLifecycle(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(DefaultConfig("app.test"))
	ctx := context.Background()

	if !v.SetString(ctx, "auth_token", "abc123") {
		t.Fatal("storing token failed")
	}
	if !v.Exists(ctx, "auth_token") {
		t.Fatal("token not visible after store")
	}
	if got, ok := v.GetString(ctx, "auth_token"); !ok || got != "abc123" {
		t.Fatalf("expected abc123, got %q, %v", got, ok)
	}

	if !v.SetString(ctx, "auth_token", "xyz789") {
		t.Fatal("rotating token failed")
	}
	if got, ok := v.GetString(ctx, "auth_token"); !ok || got != "xyz789" {
		t.Fatalf("expected xyz789 after rotation, got %q, %v", got, ok)
	}

	if !v.Delete(ctx, "auth_token") {
		t.Fatal("deleting token failed")
	}
	if v.Exists(ctx, "auth_token") {
		t.Fatal("token still present after delete")
	}
	if _, ok := v.GetString(ctx, "auth_token"); ok {
		t.Fatal("token still readable after delete")
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig("com.example.app")
	if cfg.ServiceName != "com.example.app" {
		t.Fatalf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.AccessGroup != "" || cfg.Debug {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	// Two calls are independent values, not views of shared state.
	a := DefaultConfig("one")
	b := DefaultConfig("two")
	if a.ServiceName == b.ServiceName {
		t.Fatal("configs share state")
	}
}

func TestVaultConfigIsImmutable(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig("com.example.app")
	v, _ := newTestVault(cfg)
	cfg.ServiceName = "mutated"
	if v.Config().ServiceName != "com.example.app" {
		t.Fatal("mutating the caller's Config changed the vault's scope")
	}
}

// failingStore returns the configured status from every primitive.
type failingStore struct{ st backend.Status }

func (f *failingStore) Insert(context.Context, backend.Record) backend.Status { return f.st }
func (f *failingStore) Lookup(context.Context, backend.Query) ([]byte, backend.Status) {
	return nil, f.st
}
func (f *failingStore) Update(context.Context, backend.Query, []byte) backend.Status { return f.st }
func (f *failingStore) Delete(context.Context, backend.Query) backend.Status         { return f.st }

// conflictStore reports a duplicate on every Insert and absence on every
// Update, mimicking an entry vanishing between the two calls.
type conflictStore struct{}

func (c *conflictStore) Insert(context.Context, backend.Record) backend.Status {
	return backend.StatusDuplicateItem
}
func (c *conflictStore) Lookup(context.Context, backend.Query) ([]byte, backend.Status) {
	return nil, backend.StatusItemNotFound
}
func (c *conflictStore) Update(context.Context, backend.Query, []byte) backend.Status {
	return backend.StatusItemNotFound
}
func (c *conflictStore) Delete(context.Context, backend.Query) backend.Status {
	return backend.StatusItemNotFound
}
