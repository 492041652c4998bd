package backend

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const keystoreDBName = "keystore.db"

// KeystoreOptions describes parameters for opening a keystore.
type KeystoreOptions struct {
	// Dir is the directory holding the keystore database and key file.
	// Empty means DefaultKeystoreDir(AppID).
	Dir string
	// AppID names the owning application; it locates the default directory.
	AppID string
	// Passphrase, when non-empty, derives the cipher key from the store's
	// salt instead of using the on-disk key file. A store must be opened
	// with the same mode (and passphrase) it was created with.
	Passphrase string
}

// Keystore is the encrypted preference store: a single SQLite file whose
// values are AES-256-GCM encrypted at rest. The cipher key never touches
// the database; it lives in a 0600 key file beside it, or is derived from
// a passphrase. All four capability primitives are atomic single
// statements; Insert's conflict detection rides on the primary key, making
// the adapter's upsert fully atomic on this backend.
type Keystore struct {
	db      *sql.DB
	key     []byte
	path    string
	storeID string
}

// OpenKeystore opens (creating if necessary) the keystore for opts.
func OpenKeystore(opts KeystoreOptions) (*Keystore, error) {
	dir := opts.Dir
	if dir == "" {
		dir = DefaultKeystoreDir(opts.AppID)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create directory: %w", err)
	}
	dbPath := filepath.Join(dir, keystoreDBName)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("keystore: open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := seedMeta(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	meta, err := readMeta(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	var key []byte
	if opts.Passphrase != "" {
		key = deriveKey(opts.Passphrase, meta.salt)
	} else {
		key, err = loadOrCreateKey(ctx, db, keyFilePath(dir))
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := verifyKey(ctx, db, key, meta); err != nil {
		db.Close()
		return nil, err
	}

	return &Keystore{db: db, key: key, path: dbPath, storeID: meta.storeID}, nil
}

// Close finalises the underlying database connection.
func (ks *Keystore) Close() error {
	if ks == nil || ks.db == nil {
		return nil
	}
	return ks.db.Close()
}

// Path returns the filesystem path of the backing database.
func (ks *Keystore) Path() string {
	return ks.path
}

// StoreID returns the stable identifier minted when the store was first
// created.
func (ks *Keystore) StoreID() string {
	return ks.storeID
}

type storeMeta struct {
	storeID  string
	salt     []byte
	keyCheck string // empty until the first successful open seals it
}

func readMeta(ctx context.Context, db *sql.DB) (storeMeta, error) {
	var m storeMeta
	var saltB64 string
	var keyCheck sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT store_id, kdf_salt, key_check FROM keystore_meta WHERE id = 1`,
	).Scan(&m.storeID, &saltB64, &keyCheck)
	if err != nil {
		return m, fmt.Errorf("keystore: read metadata: %w", err)
	}
	m.salt, err = base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return m, fmt.Errorf("keystore: decode salt: %w", err)
	}
	m.keyCheck = keyCheck.String
	return m, nil
}

// loadOrCreateKey returns the key-file key, minting one on first open.
//
// Safety invariant: a new key is only created when the database holds no
// encrypted values. If the key file is missing but encrypted rows already
// exist, opening fails fast to prevent permanent data loss; a fresh key
// would strand every existing secret.
func loadOrCreateKey(ctx context.Context, db *sql.DB, keyPath string) ([]byte, error) {
	key, err := loadKeyFile(keyPath)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	hasEnc, err := hasEncryptedRows(ctx, db)
	if err != nil {
		return nil, err
	}
	if hasEnc {
		return nil, fmt.Errorf("keystore: key file %s is missing but the database contains encrypted values; refusing to create a new key (restore the key file or delete the database)", keyPath)
	}
	return createKeyFile(keyPath)
}

// verifyKey proves the cipher key matches the store before anything is
// written under it. The first open seals the store id with the key; later
// opens must unseal it. A mismatch means a wrong passphrase or a replaced
// key file, and opening with a second key would split the store's entries
// between two keys.
func verifyKey(ctx context.Context, db *sql.DB, key []byte, meta storeMeta) error {
	if meta.keyCheck == "" {
		check, err := encryptValue(key, []byte(meta.storeID))
		if err != nil {
			return fmt.Errorf("keystore: seal key check: %w", err)
		}
		res, err := db.ExecContext(ctx,
			`UPDATE keystore_meta SET key_check = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1 AND key_check IS NULL`,
			check,
		)
		if err != nil {
			return fmt.Errorf("keystore: store key check: %w", err)
		}
		if n, raErr := res.RowsAffected(); raErr == nil && n == 1 {
			return nil
		}
		// Another opener sealed the check first; verify against theirs.
		refreshed, err := readMeta(ctx, db)
		if err != nil {
			return err
		}
		meta = refreshed
	}
	got, err := decryptValue(key, meta.keyCheck)
	if err != nil || string(got) != meta.storeID {
		return fmt.Errorf("keystore: key verification failed (wrong passphrase or replaced key file)")
	}
	return nil
}

// sqlStatus maps database errors onto capability status codes.
func sqlStatus(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, sql.ErrNoRows):
		return StatusItemNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusStoreUnavailable
	case strings.Contains(err.Error(), "database is closed"):
		return StatusStoreUnavailable
	default:
		return StatusInternalError
	}
}

// isUniqueViolation detects a primary-key conflict. modernc.org/sqlite
// exposes no typed error for it, so the message is matched.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Insert creates the entry if absent. The primary key makes conflict
// detection atomic: of two concurrent inserts one loses with
// StatusDuplicateItem instead of silently overwriting.
func (ks *Keystore) Insert(ctx context.Context, rec Record) Status {
	if rec.Key == "" {
		return StatusInvalidQuery
	}
	encrypted, err := encryptValue(ks.key, rec.Payload)
	if err != nil {
		return StatusInternalError
	}
	_, err = ks.db.ExecContext(ctx, `
		INSERT INTO secrets (service, access_group, key, value)
		VALUES (?, ?, ?, ?)
	`, rec.Service, rec.AccessGroup, rec.Key, encrypted)
	if err != nil {
		if isUniqueViolation(err) {
			return StatusDuplicateItem
		}
		return sqlStatus(err)
	}
	return StatusSuccess
}

// Lookup finds the entry for q.Key. With q.ReturnData false, presence is
// checked without touching the value column: the ciphertext is neither
// read nor decrypted.
func (ks *Keystore) Lookup(ctx context.Context, q Query) ([]byte, Status) {
	if q.Key == "" {
		return nil, StatusInvalidQuery
	}
	if !q.ReturnData {
		var one int
		err := ks.db.QueryRowContext(ctx,
			`SELECT 1 FROM secrets WHERE service = ? AND access_group = ? AND key = ?`,
			q.Service, q.AccessGroup, q.Key,
		).Scan(&one)
		return nil, sqlStatus(err)
	}
	var stored string
	err := ks.db.QueryRowContext(ctx,
		`SELECT value FROM secrets WHERE service = ? AND access_group = ? AND key = ?`,
		q.Service, q.AccessGroup, q.Key,
	).Scan(&stored)
	if err != nil {
		return nil, sqlStatus(err)
	}
	payload, err := decryptValue(ks.key, stored)
	if err != nil {
		log.Printf("[Keystore] Undecryptable value for key %q: %v", q.Key, err)
		return nil, StatusInternalError
	}
	return payload, StatusSuccess
}

// Update rewrites an existing entry's payload; it never creates one.
func (ks *Keystore) Update(ctx context.Context, q Query, payload []byte) Status {
	if q.Key == "" {
		return StatusInvalidQuery
	}
	encrypted, err := encryptValue(ks.key, payload)
	if err != nil {
		return StatusInternalError
	}
	res, err := ks.db.ExecContext(ctx, `
		UPDATE secrets SET value = ?, updated_at = CURRENT_TIMESTAMP
		WHERE service = ? AND access_group = ? AND key = ?
	`, encrypted, q.Service, q.AccessGroup, q.Key)
	if err != nil {
		return sqlStatus(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return StatusInternalError
	}
	if rows == 0 {
		return StatusItemNotFound
	}
	return StatusSuccess
}

// Delete removes the entry for q.Key, or, with an empty Key, every entry
// in the (service, access group) scope. Clearing an already empty scope
// succeeds.
func (ks *Keystore) Delete(ctx context.Context, q Query) Status {
	if q.Key == "" {
		_, err := ks.db.ExecContext(ctx,
			`DELETE FROM secrets WHERE service = ? AND access_group = ?`,
			q.Service, q.AccessGroup,
		)
		return sqlStatus(err)
	}
	res, err := ks.db.ExecContext(ctx,
		`DELETE FROM secrets WHERE service = ? AND access_group = ? AND key = ?`,
		q.Service, q.AccessGroup, q.Key,
	)
	if err != nil {
		return sqlStatus(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return StatusInternalError
	}
	if rows == 0 {
		return StatusItemNotFound
	}
	return StatusSuccess
}
