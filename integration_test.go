package keyfold_test

import (
	"context"
	"testing"

	"github.com/keyfold/keyfold"
	"github.com/keyfold/keyfold/backend"
)

// TestIntegrationVaultOverKeystore drives the typed API end to end over a
// real on-disk keystore, including a process-restart shaped reopen.
func TestIntegrationVaultOverKeystore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	store, err := backend.OpenKeystore(backend.KeystoreOptions{Dir: dir})
	if err != nil {
		t.Fatalf("OpenKeystore: %v", err)
	}
	v := keyfold.New(store, keyfold.DefaultConfig("app.test"))

	if !v.SetString(ctx, "auth_token", "abc123") {
		t.Fatal("SetString failed")
	}
	if !v.SetInt64(ctx, "expires_at", 1735689600) {
		t.Fatal("SetInt64 failed")
	}
	if !v.SetBool(ctx, "remember", true) {
		t.Fatal("SetBool failed")
	}

	if got, ok := v.GetString(ctx, "auth_token"); !ok || got != "abc123" {
		t.Fatalf("GetString: %q, %v", got, ok)
	}
	if !v.SetString(ctx, "auth_token", "xyz789") {
		t.Fatal("overwrite failed")
	}
	if got, ok := v.GetString(ctx, "auth_token"); !ok || got != "xyz789" {
		t.Fatalf("GetString after overwrite: %q, %v", got, ok)
	}
	// Wrong-type read is absence, not an error.
	if _, ok := v.GetInt32(ctx, "auth_token"); ok {
		t.Fatal("GetInt32 decoded a string entry")
	}
	if !v.Delete(ctx, "auth_token") {
		t.Fatal("Delete failed")
	}

	// Another scope over the same store sees none of it.
	other := keyfold.New(store, keyfold.DefaultConfig("app.other"))
	if other.Exists(ctx, "expires_at") {
		t.Fatal("entry leaked across service scopes")
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen as a new process would and check what survived.
	store, err = backend.OpenKeystore(backend.KeystoreOptions{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	v = keyfold.New(store, keyfold.DefaultConfig("app.test"))

	if v.Exists(ctx, "auth_token") {
		t.Fatal("deleted entry came back after reopen")
	}
	if got, ok := v.GetInt64(ctx, "expires_at"); !ok || got != 1735689600 {
		t.Fatalf("GetInt64 after reopen: %d, %v", got, ok)
	}
	if got, ok := v.GetBool(ctx, "remember"); !ok || !got {
		t.Fatalf("GetBool after reopen: %v, %v", got, ok)
	}

	v.Clear(ctx)
	if v.Exists(ctx, "expires_at") || v.Exists(ctx, "remember") {
		t.Fatal("entries survived Clear")
	}
}
