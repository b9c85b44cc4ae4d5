package mfa

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/store"
)

var (
	ErrNotEnrolled    = errors.New("mfa not configured for user")
	ErrInvalidKeySize = errors.New("mfa master key must be 32 bytes")
)

// Config is a user's MFA configuration with the TOTP secret decrypted.
type Config struct {
	UserID            string
	Email             string
	Secret            string
	EnabledForLogin   bool
	EnabledForSigning bool
	LastUsedStep      int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SecretStore keeps TOTP secrets encrypted with AES-256-GCM and backup codes
// as keyed HMAC-SHA256 digests. Both keys are derived from one master key.
type SecretStore struct {
	db      *sql.DB
	dialect store.Dialect
	encKey  []byte
	macKey  []byte
	now     func() time.Time
}

// NewSecretStore derives the encryption and code-hashing keys from masterKey.
func NewSecretStore(db *sql.DB, dialect store.Dialect, masterKey []byte) (*SecretStore, error) {
	if len(masterKey) != 32 {
		return nil, ErrInvalidKeySize
	}
	encKey, err := deriveKey(masterKey, "multisigner-mfa-secret")
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(masterKey, "multisigner-mfa-backup-code")
	if err != nil {
		return nil, err
	}
	return &SecretStore{db: db, dialect: dialect, encKey: encKey, macKey: macKey, now: time.Now}, nil
}

func deriveKey(master []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS mfa_configs (
	user_id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	secret_enc TEXT NOT NULL,
	enabled_for_login BOOLEAN NOT NULL DEFAULT FALSE,
	enabled_for_signing BOOLEAN NOT NULL DEFAULT FALSE,
	last_used_step BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mfa_backup_codes (
	user_id TEXT NOT NULL REFERENCES mfa_configs(user_id),
	code_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, code_hash)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mfa_configs (
	user_id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	secret_enc TEXT NOT NULL,
	enabled_for_login BOOLEAN NOT NULL DEFAULT 0,
	enabled_for_signing BOOLEAN NOT NULL DEFAULT 0,
	last_used_step INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS mfa_backup_codes (
	user_id TEXT NOT NULL REFERENCES mfa_configs(user_id),
	code_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, code_hash)
);
`

// Migrate creates the MFA tables if they do not exist.
func (s *SecretStore) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == store.DialectPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate mfa: %w", err)
	}
	return nil
}

// encrypt encrypts plaintext using AES-256-GCM.
func (s *SecretStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// decrypt decrypts ciphertext using AES-256-GCM.
func (s *SecretStore) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// hashCode keys the digest so a leaked table cannot be brute-forced offline.
func (s *SecretStore) hashCode(code string) string {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write([]byte(normalizeBackupCode(code)))
	return hex.EncodeToString(mac.Sum(nil))
}

func normalizeBackupCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// SaveConfig creates or replaces a user's configuration. Replacing resets
// the replay guard and both enablement flags to the values given.
func (s *SecretStore) SaveConfig(ctx context.Context, cfg *Config) error {
	enc, err := s.encrypt(cfg.Secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mfa_configs (user_id, email, secret_enc, enabled_for_login, enabled_for_signing,
			last_used_step, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			secret_enc = EXCLUDED.secret_enc,
			enabled_for_login = EXCLUDED.enabled_for_login,
			enabled_for_signing = EXCLUDED.enabled_for_signing,
			last_used_step = EXCLUDED.last_used_step,
			updated_at = EXCLUDED.updated_at`,
		cfg.UserID, contracts.NormalizeEmail(cfg.Email), enc, cfg.EnabledForLogin, cfg.EnabledForSigning,
		cfg.LastUsedStep, now, now)
	if err != nil {
		return fmt.Errorf("save mfa config %s: %w", cfg.UserID, err)
	}
	return nil
}

// GetConfig returns the decrypted configuration or ErrNotEnrolled.
func (s *SecretStore) GetConfig(ctx context.Context, userID string) (*Config, error) {
	var (
		cfg Config
		enc string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, secret_enc, enabled_for_login, enabled_for_signing, last_used_step,
			created_at, updated_at
		FROM mfa_configs WHERE user_id = $1`, userID).
		Scan(&cfg.UserID, &cfg.Email, &enc, &cfg.EnabledForLogin, &cfg.EnabledForSigning,
			&cfg.LastUsedStep, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("get mfa config %s: %w", userID, err)
	}
	if cfg.Secret, err = s.decrypt(enc); err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return &cfg, nil
}

// SetEnabled toggles one purpose.
func (s *SecretStore) SetEnabled(ctx context.Context, userID string, purpose Purpose, enabled bool) error {
	column := "enabled_for_signing"
	if purpose == PurposeLogin {
		column = "enabled_for_login"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE mfa_configs SET `+column+` = $1, updated_at = $2 WHERE user_id = $3`,
		enabled, s.now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("set %s %s: %w", column, userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotEnrolled
	}
	return nil
}

// AdvanceStep records a TOTP time step as used. It succeeds only when step is
// newer than every step used before, so a code cannot be replayed even by a
// concurrent request.
func (s *SecretStore) AdvanceStep(ctx context.Context, userID string, step int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mfa_configs SET last_used_step = $1, updated_at = $2
		WHERE user_id = $3 AND last_used_step < $4`,
		step, s.now().UTC(), userID, step)
	if err != nil {
		return false, fmt.Errorf("advance totp step %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReplaceBackupCodes discards every existing code and stores digests of codes.
func (s *SecretStore) ReplaceBackupCodes(ctx context.Context, userID string, codes []string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear backup codes %s: %w", userID, err)
	}
	now := s.now().UTC()
	for _, code := range codes {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO mfa_backup_codes (user_id, code_hash, created_at) VALUES ($1, $2, $3)`,
			userID, s.hashCode(code), now); err != nil {
			return fmt.Errorf("insert backup code %s: %w", userID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ConsumeBackupCode deletes the matching code. Exactly one caller can win
// the delete, so a code works once.
func (s *SecretStore) ConsumeBackupCode(ctx context.Context, userID, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mfa_backup_codes WHERE user_id = $1 AND code_hash = $2`,
		userID, s.hashCode(code))
	if err != nil {
		return false, fmt.Errorf("consume backup code %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RemainingBackupCodes counts unused codes.
func (s *SecretStore) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mfa_backup_codes WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count backup codes %s: %w", userID, err)
	}
	return n, nil
}
