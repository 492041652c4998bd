// Package keyfold stores small typed secrets (tokens, credentials, scalar
// settings) in the operating system's secure storage, behind one uniform
// boolean/optional API.
//
// A [Vault] adapts typed operations onto a narrow platform capability
// ([backend.SecureStore]) with two independent implementations:
//
//   - [backend.Keychain]: the OS credential store (macOS Keychain, Windows
//     Credential Manager, the freedesktop Secret Service) via the system
//     keyring.
//   - [backend.Keystore]: an encrypted preference store, a single SQLite
//     file whose values are AES-256-GCM encrypted at rest.
//
// # Scopes
//
// Every Vault operates inside an immutable scope (service name plus optional
// access group), fixed by [Config] at construction. Scope attributes are
// exact-match constraints: an entry written without a service name is
// invisible to a Vault that has one, and vice versa. [DefaultConfig] derives
// the conventional scope from the application's own identity.
//
// # Error contract
//
// Operations never return errors. Writes report a boolean, reads report a
// comma-ok optional, and Clear is best-effort. Backend failures, including
// a payload that does not decode as the requested type, surface as false
// or absence. Setting Config.Debug routes failure diagnostics to the
// standard logger without changing any return value.
//
// # Usage
//
//	kc := backend.NewKeychain()
//	var store backend.SecureStore = kc
//	if !kc.Available() {
//		ks, err := backend.OpenKeystore(backend.KeystoreOptions{AppID: "com.example.app"})
//		if err != nil {
//			// no secure storage on this host
//		}
//		store = ks
//	}
//
//	vault := keyfold.New(store, keyfold.DefaultConfig("com.example.app"))
//	vault.SetString(ctx, "api_token", "sk-live-123")
//	token, ok := vault.GetString(ctx, "api_token")
//
// Concurrent Set calls on the same key are last-writer-wins; keyfold adds no
// locking beyond what the OS store provides.
package keyfold
