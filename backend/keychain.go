package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zalando/go-keyring"
)

const (
	// recordClass is the fixed first component of every keyring service
	// string written by this backend. It keeps keyfold entries apart from
	// other applications' keyring items and gives unscoped entries a
	// non-empty service.
	recordClass = "keyfold"
	// scopeSep is the ASCII Unit Separator (0x1F), joining
	// class/service/access-group into a single keyring service string.
	// Using a non-printable control character avoids ambiguity when a
	// scope component contains "/" or other common separators.
	scopeSep = "\x1f"
	// keychainOpTimeout limits how long a single keyring call may block.
	// If exceeded, the keychain is disabled for the rest of the process
	// lifetime (circuit breaker) so callers can move to the keystore.
	keychainOpTimeout = 5 * time.Second
	// keychainProbeTimeout bounds the availability checks.
	keychainProbeTimeout = 3 * time.Second

	probeKey = "__probe__"
)

var (
	errKeychainDisabled = errors.New("keychain disabled by circuit breaker")
	errKeychainTimeout  = errors.New("keychain operation timed out")
)

// keyringProvider abstracts go-keyring calls for testing.
type keyringProvider interface {
	Set(service, user, password string) error
	Get(service, user string) (string, error)
	Delete(service, user string) error
	DeleteAll(service string) error
}

// osKeyring delegates to the real go-keyring package.
type osKeyring struct{}

func (osKeyring) Set(service, user, password string) error {
	return keyring.Set(service, user, password)
}
func (osKeyring) Get(service, user string) (string, error) { return keyring.Get(service, user) }
func (osKeyring) Delete(service, user string) error        { return keyring.Delete(service, user) }
func (osKeyring) DeleteAll(service string) error           { return keyring.DeleteAll(service) }

// Keychain stores entries in the OS credential store via go-keyring. Each
// (service, access group) scope maps to its own keyring service string, so
// scope-wide deletion can never cross scopes.
//
// Context parameters satisfy the SecureStore interface but cannot cancel a
// call mid-flight; go-keyring has no context support. A goroutine-with-timer
// wrapper bounds every call instead, and a timeout trips a process-lifetime
// circuit breaker under which all further calls report
// StatusStoreUnavailable immediately.
type Keychain struct {
	provider   keyringProvider
	mockProbe  bool          // when true, Available() uses the Set+Delete probe instead of OS-level checks
	forceAvail atomic.Bool   // when true, Available() skips probing
	disabled   atomic.Bool   // circuit breaker: set on operation timeout
	opTimeout  time.Duration // 0 means keychainOpTimeout; tests override

	availableOnce sync.Once
	cachedAvail   bool
}

// NewKeychain creates a Keychain over the system keyring.
func NewKeychain() *Keychain {
	return &Keychain{provider: osKeyring{}}
}

// newKeychainWithProvider creates a Keychain with a custom provider (for
// testing). Available() uses the Set+Delete probe.
func newKeychainWithProvider(p keyringProvider) *Keychain {
	return &Keychain{provider: p, mockProbe: true}
}

// SetForceAvailable makes Available() return true without running any
// platform check, for callers that know the keyring works (headless hosts
// where the probe would hang on a locked collection). It never overrides
// the circuit breaker. Thread-safe: may be called before concurrent
// Available() calls.
func (kc *Keychain) SetForceAvailable() {
	kc.forceAvail.Store(true)
}

// withTimeout runs fn in a goroutine with a timeout. If the operation
// exceeds the timeout, the keychain is disabled for the rest of the
// process (circuit breaker) and an error is returned.
//
// Note: on timeout the goroutine running the keyring call leaks until the
// underlying operation completes. go-keyring does not support cancellation,
// so this is the accepted cost of not blocking the caller forever.
func (kc *Keychain) withTimeout(op string, fn func() error) error {
	if kc.disabled.Load() {
		return fmt.Errorf("keychain %s: %w", op, errKeychainDisabled)
	}
	timeout := kc.opTimeout
	if timeout == 0 {
		timeout = keychainOpTimeout
	}
	ch := make(chan error, 1)
	go func() { ch <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.C:
		kc.disabled.Store(true)
		log.Printf("[Keychain] %s timed out after %v, disabling keychain for this process", op, timeout)
		return fmt.Errorf("keychain %s after %v: %w", op, timeout, errKeychainTimeout)
	}
}

// serviceKey builds the keyring service string for a scope:
// "keyfold\x1f<service>\x1f<accessGroup>". The arity is fixed, so empty
// components cannot collide with non-empty ones. Components containing the
// separator are rejected; they would forge another scope's identity.
func serviceKey(service, accessGroup string) (string, error) {
	if strings.Contains(service, scopeSep) || strings.Contains(accessGroup, scopeSep) {
		return "", fmt.Errorf("keychain: scope component contains separator 0x1F: service=%q accessGroup=%q",
			service, accessGroup)
	}
	return recordClass + scopeSep + service + scopeSep + accessGroup, nil
}

// keyringStatus maps provider errors onto capability status codes.
func keyringStatus(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, keyring.ErrNotFound):
		return StatusItemNotFound
	case errors.Is(err, keyring.ErrUnsupportedPlatform),
		errors.Is(err, errKeychainDisabled),
		errors.Is(err, errKeychainTimeout):
		return StatusStoreUnavailable
	default:
		return StatusInternalError
	}
}

// Insert creates the entry if absent. go-keyring's Set is a native upsert,
// so the conflict check is a read issued inside the same timeout window:
// a writer slipping in between probe and write makes concurrent inserts
// last-writer-wins instead of one losing with StatusDuplicateItem. The
// window is narrow, and the adapter's conflict fallback converges on the
// same final state.
func (kc *Keychain) Insert(_ context.Context, rec Record) Status {
	if rec.Key == "" {
		return StatusInvalidQuery
	}
	svc, err := serviceKey(rec.Service, rec.AccessGroup)
	if err != nil {
		return StatusInvalidQuery
	}
	duplicate := false
	err = kc.withTimeout("Insert", func() error {
		if _, getErr := kc.provider.Get(svc, rec.Key); getErr == nil {
			duplicate = true
			return nil
		} else if !errors.Is(getErr, keyring.ErrNotFound) {
			return getErr
		}
		return kc.provider.Set(svc, rec.Key, base64.StdEncoding.EncodeToString(rec.Payload))
	})
	if err != nil {
		return keyringStatus(err)
	}
	// Only read after a synchronized return from withTimeout: on timeout the
	// goroutine may still be running.
	if duplicate {
		return StatusDuplicateItem
	}
	return StatusSuccess
}

// Lookup finds the entry for q.Key. With q.ReturnData false only presence
// is reported and no payload is returned; the keyring API has no
// attributes-only read, so the provider still fetches the value internally,
// but it is discarded without leaving this backend.
func (kc *Keychain) Lookup(_ context.Context, q Query) ([]byte, Status) {
	if q.Key == "" {
		return nil, StatusInvalidQuery
	}
	svc, err := serviceKey(q.Service, q.AccessGroup)
	if err != nil {
		return nil, StatusInvalidQuery
	}
	var stored string
	err = kc.withTimeout("Lookup", func() error {
		var getErr error
		stored, getErr = kc.provider.Get(svc, q.Key)
		return getErr
	})
	if err != nil {
		return nil, keyringStatus(err)
	}
	if !q.ReturnData {
		return nil, StatusSuccess
	}
	payload, decErr := base64.StdEncoding.DecodeString(stored)
	if decErr != nil {
		log.Printf("[Keychain] Undecodable entry for key %q: %v", q.Key, decErr)
		return nil, StatusInternalError
	}
	return payload, StatusSuccess
}

// Update rewrites an existing entry's payload; it never creates one. Like
// Insert, the existence probe and the write share one timeout window and
// leave the same narrow read-then-write race.
func (kc *Keychain) Update(_ context.Context, q Query, payload []byte) Status {
	if q.Key == "" {
		return StatusInvalidQuery
	}
	svc, err := serviceKey(q.Service, q.AccessGroup)
	if err != nil {
		return StatusInvalidQuery
	}
	err = kc.withTimeout("Update", func() error {
		if _, getErr := kc.provider.Get(svc, q.Key); getErr != nil {
			return getErr
		}
		return kc.provider.Set(svc, q.Key, base64.StdEncoding.EncodeToString(payload))
	})
	return keyringStatus(err)
}

// Delete removes the entry for q.Key, or, with an empty Key, every entry
// in the scope. Each scope owns a distinct keyring service string, so the
// scope-wide form can only touch its own entries.
func (kc *Keychain) Delete(_ context.Context, q Query) Status {
	svc, err := serviceKey(q.Service, q.AccessGroup)
	if err != nil {
		return StatusInvalidQuery
	}
	if q.Key == "" {
		err = kc.withTimeout("DeleteAll", func() error {
			return kc.provider.DeleteAll(svc)
		})
		if errors.Is(err, keyring.ErrNotFound) {
			// Nothing stored under this scope; clearing it is a no-op.
			return StatusSuccess
		}
		return keyringStatus(err)
	}
	err = kc.withTimeout("Delete", func() error {
		return kc.provider.Delete(svc, q.Key)
	})
	return keyringStatus(err)
}

// Available reports whether the OS keychain is usable without triggering
// system dialogs. The result is probed once and cached for the lifetime of
// the backend; availability does not change mid-process in practice. A
// tripped circuit breaker overrides both the cache and SetForceAvailable:
// force mode bypasses the initial probe, but cannot override a runtime
// hang.
//
// On macOS this asks the `security` CLI whether a default keychain exists
// (read-only, no popups). On other platforms a Set+Delete probe with a
// timeout is used instead.
func (kc *Keychain) Available() bool {
	if kc.disabled.Load() {
		return false
	}
	if kc.forceAvail.Load() {
		return true
	}
	kc.availableOnce.Do(func() {
		if kc.mockProbe {
			kc.cachedAvail = kc.availableProbe()
		} else if runtime.GOOS == "darwin" {
			kc.cachedAvail = kc.availableDarwin()
		} else {
			kc.cachedAvail = kc.availableProbe()
		}
	})
	return kc.cachedAvail
}

// availableDarwin checks the macOS keychain via `security default-keychain`,
// which never triggers UI dialogs. A timeout prevents hangs.
func (kc *Keychain) availableDarwin() bool {
	ctx, cancel := context.WithTimeout(context.Background(), keychainProbeTimeout)
	defer cancel()
	if err := exec.CommandContext(ctx, "security", "default-keychain", "-d", "user").Run(); err != nil {
		log.Printf("[Keychain] Not available (no default keychain): %v", err)
		return false
	}
	return true
}

// availableProbe uses a Set+Delete cycle with a timeout on platforms
// without an equivalent dialog-free check.
//
// Note: if the probe times out, the goroutine running the keyring call
// leaks until the underlying operation completes. Acceptable because the
// probe runs at most once per backend, and a timeout means the keychain is
// unusable anyway.
//
// The initial Delete is proactive cleanup: if a previous process crashed
// between Set and Delete, the probe entry would otherwise linger in the
// keyring forever.
func (kc *Keychain) availableProbe() bool {
	svc, err := serviceKey("", "")
	if err != nil {
		return false
	}

	type probeResult struct {
		ok  bool
		err error
	}
	ch := make(chan probeResult, 1)

	go func() {
		_ = kc.provider.Delete(svc, probeKey)

		if err := kc.provider.Set(svc, probeKey, "probe"); err != nil {
			ch <- probeResult{err: err}
			return
		}
		_ = kc.provider.Delete(svc, probeKey)
		ch <- probeResult{ok: true}
	}()

	timer := time.NewTimer(keychainProbeTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if !res.ok {
			log.Printf("[Keychain] Not available: %v", res.err)
		}
		return res.ok
	case <-timer.C:
		log.Printf("[Keychain] Probe timed out (possible OS dialog blocking)")
		return false
	}
}
