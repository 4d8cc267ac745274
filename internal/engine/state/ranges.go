package state

import (
	"database/sql"
	"fmt"

	"github.com/surge-downloader/surge/internal/engine/types"
)

// SaveRanges persists downloadID's full Range five-tuple list,
// replacing whatever was stored before. Used alongside SaveState so a
// resumed download can rebuild its planner state exactly rather than
// re-planning from total_size/downloaded alone.
func SaveRanges(downloadID string, ranges []types.Range) error {
	return withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM ranges WHERE download_id = ?", downloadID); err != nil {
			return fmt.Errorf("failed to delete old ranges: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO ranges (download_id, range_start, range_end, content_length, content_offset, file_write_offset)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range ranges {
			if _, err := stmt.Exec(downloadID, r.Start, r.End, r.ContentLength, r.ContentOffset, r.FileWriteOffset); err != nil {
				return fmt.Errorf("failed to insert range: %w", err)
			}
		}
		return nil
	})
}

// LoadRanges returns the persisted Range list for downloadID, in
// insertion order.
func LoadRanges(downloadID string) ([]types.Range, error) {
	db := getDBHelper()
	if db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	rows, err := db.Query(`
		SELECT range_start, range_end, content_length, content_offset, file_write_offset
		FROM ranges WHERE download_id = ? ORDER BY rowid
	`, downloadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ranges: %w", err)
	}
	defer rows.Close()

	var out []types.Range
	for rows.Next() {
		var r types.Range
		if err := rows.Scan(&r.Start, &r.End, &r.ContentLength, &r.ContentOffset, &r.FileWriteOffset); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// obfuscateKey is not a secret — spec.md is explicit that credential
// obfuscation here is reversible, not cryptographic, protection
// against casual inspection of the state database only.
var obfuscateKey = []byte("surge-state-v1")

// Obfuscate XORs data against a repeating key. Self-inverse: calling it
// twice returns the original bytes.
func Obfuscate(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ obfuscateKey[i%len(obfuscateKey)]
	}
	return out
}

// SaveCredentials obfuscates and stores username:password for a
// download's HTTP Basic/Digest or FTP login.
func SaveCredentials(downloadID, username, password string) error {
	blob := Obfuscate([]byte(username + "\x00" + password))
	_, err := withTxResult(func(tx *sql.Tx) (sql.Result, error) {
		return tx.Exec("UPDATE downloads SET cred_blob = ? WHERE id = ?", blob, downloadID)
	})
	return err
}

// LoadCredentials retrieves and de-obfuscates a download's stored
// credentials, if any were saved.
func LoadCredentials(downloadID string) (username, password string, err error) {
	db := getDBHelper()
	if db == nil {
		return "", "", fmt.Errorf("database not initialized")
	}

	var blob []byte
	row := db.QueryRow("SELECT cred_blob FROM downloads WHERE id = ?", downloadID)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return "", "", nil
		}
		return "", "", err
	}
	if len(blob) == 0 {
		return "", "", nil
	}

	plain := Obfuscate(blob)
	for i, b := range plain {
		if b == 0 {
			return string(plain[:i]), string(plain[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("malformed credential blob")
}

func withTxResult(fn func(tx *sql.Tx) (sql.Result, error)) (sql.Result, error) {
	var res sql.Result
	err := withTx(func(tx *sql.Tx) error {
		r, err := fn(tx)
		res = r
		return err
	})
	return res, err
}
