package state

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"yhtransfer/internal/transfer/types"
)

// UploadRecord is a completed upload, keyed by owner scope, content digest
// and encryption.
type UploadRecord struct {
	Scope       string
	Digest      string
	Fid         string
	Size        int64
	Encrypt     types.EncryptType
	CompletedAt int64
}

func normalizeDigest(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

// LookupUpload returns the record for (scope, digest, enc) if one exists.
func LookupUpload(scope, digest string, enc types.EncryptType) (*UploadRecord, error) {
	d, err := GetDB()
	if err != nil {
		return nil, err
	}
	rec := &UploadRecord{Scope: scope, Digest: normalizeDigest(digest), Encrypt: enc}
	err = d.QueryRow(`SELECT fid, size, completed_at FROM uploads WHERE scope = ? AND digest = ? AND encrypt = ?`,
		rec.Scope, rec.Digest, int(enc)).Scan(&rec.Fid, &rec.Size, &rec.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query upload: %w", err)
	}
	return rec, nil
}

// RecordUpload stores or replaces the record for (scope, digest, encrypt).
func RecordUpload(rec UploadRecord) error {
	if rec.CompletedAt == 0 {
		rec.CompletedAt = time.Now().Unix()
	}
	return withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO uploads (scope, digest, fid, size, encrypt, completed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(scope, digest, encrypt) DO UPDATE SET
				fid = excluded.fid,
				size = excluded.size,
				completed_at = excluded.completed_at
		`, rec.Scope, normalizeDigest(rec.Digest), rec.Fid, rec.Size, int(rec.Encrypt), rec.CompletedAt)
		if err != nil {
			return fmt.Errorf("failed to record upload: %w", err)
		}
		return nil
	})
}

// ForgetFid drops every digest record pointing at fid.
func ForgetFid(fid string) error {
	return withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM uploads WHERE fid = ?`, fid); err != nil {
			return fmt.Errorf("failed to forget fid: %w", err)
		}
		return nil
	})
}

// Index adapts the package-level upload table to the registry's digest index.
type Index struct{}

func (Index) Lookup(scope, digest string, enc types.EncryptType) (string, bool, error) {
	rec, err := LookupUpload(scope, digest, enc)
	if err != nil || rec == nil {
		return "", false, err
	}
	return rec.Fid, true, nil
}

func (Index) Record(scope, digest, fid string, size int64, enc types.EncryptType) error {
	return RecordUpload(UploadRecord{Scope: scope, Digest: digest, Fid: fid, Size: size, Encrypt: enc})
}

func (Index) Forget(fid string) error {
	return ForgetFid(fid)
}
