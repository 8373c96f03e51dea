// Package sqlitestore is a log store driver demonstrating a third distinct
// conditional-put mechanism: a UNIQUE(version) constraint violation, mapped
// to ErrVersionAlreadyExists, with the commit bytes stored in the same row
// (so a single local file backs both the index and the content — useful
// for an embedded or edge deployment that can't reach a cloud object
// store).
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/estuary/deltakeeper/logstore"
	_ "github.com/mattn/go-sqlite3"
)

// Driver is a SQLite-backed log store driver.
type Driver struct {
	db *sql.DB
}

// New opens (creating if necessary) a SQLite database at path and ensures
// the commits table exists.
func New(path string) (*Driver, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS commits (
		version INTEGER NOT NULL UNIQUE,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("sqlitestore: creating commits table: %w", err)
	}
	return &Driver{db: db}, nil
}

func (d *Driver) Name() string                 { return "SQLite" }
func (d *Driver) SupportsConditionalPut() bool { return true }

func (d *Driver) ObjectStore(opID *string) logstore.ObjectStore { return &objectStore{db: d.db} }

func (d *Driver) GetLatestVersion(ctx context.Context, hint int64) (int64, error) {
	row := d.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), ?) FROM commits WHERE version >= ?`, hint-1, hint)
	var latest int64
	if err := row.Scan(&latest); err != nil {
		return 0, fmt.Errorf("sqlitestore: querying latest version: %w", err)
	}
	return latest, nil
}

func (d *Driver) WriteCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	data := payload.Bytes
	if !payload.IsBytes() {
		row := d.db.QueryRowContext(ctx, `SELECT payload FROM staged WHERE path = ?`, payload.Path)
		if err := row.Scan(&data); err != nil {
			return fmt.Errorf("sqlitestore: reading staged payload %s: %w", payload.Path, err)
		}
	}

	_, err := d.db.ExecContext(ctx, `INSERT INTO commits (version, payload) VALUES (?, ?)`, version, data)
	if err != nil {
		if isUniqueConstraintViolation(err) {
			return logstore.ErrVersionAlreadyExists{Version: version}
		}
		return fmt.Errorf("sqlitestore: inserting version %d: %w", version, err)
	}
	return nil
}

func isUniqueConstraintViolation(err error) bool {
	// mattn/go-sqlite3 surfaces this as *sqlite3.Error with
	// ExtendedCode == sqlite3.ErrConstraintUnique; matching on the message
	// text keeps this driver free of a hard dependency on the internal
	// error type shape across sqlite3 package versions.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (d *Driver) AbortCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	if payload.IsBytes() {
		return nil
	}
	_, err := d.db.ExecContext(ctx, `DELETE FROM staged WHERE path = ?`, payload.Path)
	if err != nil {
		return fmt.Errorf("sqlitestore: aborting staged payload %s: %w", payload.Path, err)
	}
	return nil
}

func (d *Driver) ReadCommitEntry(ctx context.Context, version int64) ([]byte, error) {
	row := d.db.QueryRowContext(ctx, `SELECT payload FROM commits WHERE version = ?`, version)
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, fmt.Errorf("sqlitestore: reading version %d: %w", version, err)
	}
	return data, nil
}

type objectStore struct {
	db *sql.DB
}

func (o *objectStore) ensureStagedTable(ctx context.Context) error {
	_, err := o.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS staged (
		path TEXT NOT NULL UNIQUE,
		payload BLOB NOT NULL
	)`)
	return err
}

func (o *objectStore) Put(ctx context.Context, path string, data []byte, ifAbsent bool) error {
	if err := o.ensureStagedTable(ctx); err != nil {
		return err
	}
	if ifAbsent {
		_, err := o.db.ExecContext(ctx, `INSERT INTO staged (path, payload) VALUES (?, ?)`, path, data)
		if err != nil && isUniqueConstraintViolation(err) {
			return logstore.ErrVersionAlreadyExists{}
		}
		return err
	}
	_, err := o.db.ExecContext(ctx, `INSERT INTO staged (path, payload) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET payload = excluded.payload`, path, data)
	return err
}

func (o *objectStore) Delete(ctx context.Context, path string) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM staged WHERE path = ?`, path)
	return err
}

func (o *objectStore) Get(ctx context.Context, path string) ([]byte, error) {
	row := o.db.QueryRowContext(ctx, `SELECT payload FROM staged WHERE path = ?`, path)
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func (o *objectStore) NewMultipartUpload(ctx context.Context, path string) (logstore.MultipartUpload, error) {
	return &sqliteMultipart{store: o, path: path}, nil
}

type sqliteMultipart struct {
	store *objectStore
	path  string
	buf   []byte
}

func (m *sqliteMultipart) UploadPart(ctx context.Context, partNumber int, data []byte, checksum uint64) (string, error) {
	if logstore.PartChecksum(data) != checksum {
		return "", logstore.ErrPartChecksumMismatch{PartNumber: partNumber}
	}
	m.buf = append(m.buf, data...)
	return fmt.Sprintf("part-%d", partNumber), nil
}

func (m *sqliteMultipart) Complete(ctx context.Context, etags []string) error {
	return m.store.Put(context.Background(), m.path, m.buf, false)
}

func (m *sqliteMultipart) Abort(ctx context.Context) error {
	m.buf = nil
	return nil
}
