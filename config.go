package keyfold

// Config describes the scope a Vault operates in and whether it emits
// failure diagnostics. It is copied into the Vault at construction and
// never mutated afterwards; every operation reads the same values.
//
// ServiceName and AccessGroup are additive, exact-match constraints. An
// entry written with a service name is invisible to a Vault without one,
// and vice versa — scoping narrows queries, it does not rename keys.
type Config struct {
	// ServiceName namespaces entries, conventionally the application
	// identifier. Empty selects the backend's class-wide default namespace.
	ServiceName string

	// AccessGroup further narrows the namespace to a sharing group.
	AccessGroup string

	// Debug routes failure diagnostics to the standard logger. Return
	// values are never affected, and Exists stays silent regardless.
	Debug bool
}

// DefaultConfig returns the scope a Vault conventionally uses on behalf of
// the given application: the application identity becomes the service name.
// Callers needing a sharing group or verbose diagnostics set those fields
// on the returned value before constructing the Vault. There is no implicit
// process-wide default instance; every Vault is built from an explicit
// Config.
func DefaultConfig(appID string) Config {
	return Config{ServiceName: appID}
}
