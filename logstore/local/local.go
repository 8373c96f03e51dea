// Package local is the filesystem log store driver for stores with no
// native conditional put: it stages commits to a temp file and installs
// them by creating the version file with O_EXCL and copying the staged
// bytes into it. Staged files use the
// _delta_log/_commit_<uuid>.json.tmp naming convention, and installed log
// files are named by their version, the same way a commit-log segment is
// named by its base offset.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/estuary/deltakeeper/logstore"
)

// Driver is a filesystem-rooted log store driver.
type Driver struct {
	root string
}

// New returns a Driver rooted at root, creating root/_delta_log if absent.
func New(root string) (*Driver, error) {
	if err := os.MkdirAll(filepath.Join(root, "_delta_log"), 0o755); err != nil {
		return nil, fmt.Errorf("local: creating log dir: %w", err)
	}
	return &Driver{root: root}, nil
}

// Root returns the filesystem path this driver is rooted at, for tests
// that assert on on-disk state directly.
func (d *Driver) Root() string { return d.root }

func (d *Driver) Name() string                 { return "Local" }
func (d *Driver) SupportsConditionalPut() bool { return false }

func (d *Driver) ObjectStore(opID *string) logstore.ObjectStore { return &objectStore{root: d.root} }

func (d *Driver) path(rel string) string { return filepath.Join(d.root, rel) }

func (d *Driver) GetLatestVersion(ctx context.Context, hint int64) (int64, error) {
	latest := hint - 1
	for v := hint; ; v++ {
		if _, err := os.Stat(d.path(logstore.LogPath(v))); err != nil {
			break
		}
		latest = v
	}
	return latest, nil
}

// WriteCommitEntry installs payload at version by exclusively creating the
// version file and copying the staged temp file into it, then removing the
// temp file. The exclusive create decides the race; the version file
// exists before its content is copied, so the install is not one atomic
// step. Byte-mode payloads (this driver never produces them itself, but a
// caller could hand one in) are first written to a temp file so the same
// path is exercised uniformly.
func (d *Driver) WriteCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	srcPath := payload.Path
	if payload.IsBytes() {
		tmp := d.path(logstore.StagedCommitPath(opID))
		if err := os.WriteFile(tmp, payload.Bytes, 0o644); err != nil {
			return fmt.Errorf("local: staging bytes payload: %w", err)
		}
		srcPath = logstore.StagedCommitPath(opID)
	}

	dst := d.path(logstore.LogPath(version))
	if _, err := os.Stat(dst); err == nil {
		return logstore.ErrVersionAlreadyExists{Version: version}
	}

	// os.Rename does not guarantee a no-clobber rename, so race losers can
	// still win the stat-then-rename check above; guard with O_EXCL create
	// instead: create the destination exclusively, then overwrite with the
	// staged content, ensuring at most one writer observes a fresh create.
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return logstore.ErrVersionAlreadyExists{Version: version}
		}
		return fmt.Errorf("local: creating %s: %w", dst, err)
	}
	defer f.Close()

	src, err := os.Open(d.path(srcPath))
	if err != nil {
		return fmt.Errorf("local: opening staged payload: %w", err)
	}
	defer src.Close()

	if _, err := io.Copy(f, src); err != nil {
		return fmt.Errorf("local: copying staged payload into %s: %w", dst, err)
	}
	src.Close()
	// The staged temp file is consumed once installed; remove it so a
	// successful install never leaves a .tmp file behind.
	_ = os.Remove(d.path(srcPath))
	return nil
}

func (d *Driver) AbortCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	if payload.IsBytes() {
		return nil
	}
	if err := os.Remove(d.path(payload.Path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local: aborting staged payload %s: %w", payload.Path, err)
	}
	return nil
}

func (d *Driver) ReadCommitEntry(ctx context.Context, version int64) ([]byte, error) {
	data, err := os.ReadFile(d.path(logstore.LogPath(version)))
	if err != nil {
		return nil, fmt.Errorf("local: reading version %d: %w", version, err)
	}
	return data, nil
}

// StageTemp writes data to the driver's staged-commit path for opID and
// returns the resulting TmpCommit payload.
func (d *Driver) StageTemp(ctx context.Context, opID string, data []byte) (logstore.CommitOrBytes, error) {
	rel := logstore.StagedCommitPath(opID)
	if err := os.WriteFile(d.path(rel), data, 0o644); err != nil {
		return logstore.CommitOrBytes{}, fmt.Errorf("local: staging temp commit: %w", err)
	}
	return logstore.TmpCommit(rel), nil
}

type objectStore struct {
	root string
}

func (o *objectStore) full(path string) string { return filepath.Join(o.root, path) }

func (o *objectStore) Put(ctx context.Context, path string, data []byte, ifAbsent bool) error {
	full := o.full(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if ifAbsent {
		flags = os.O_CREATE | os.O_EXCL | os.O_WRONLY
	}
	f, err := os.OpenFile(full, flags, 0o644)
	if err != nil {
		if ifAbsent && os.IsExist(err) {
			return logstore.ErrVersionAlreadyExists{}
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (o *objectStore) Delete(ctx context.Context, path string) error {
	if err := os.Remove(o.full(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (o *objectStore) Get(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(o.full(path))
}

func (o *objectStore) NewMultipartUpload(ctx context.Context, path string) (logstore.MultipartUpload, error) {
	full := o.full(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &localMultipart{f: f}, nil
}

type localMultipart struct {
	f *os.File
}

func (m *localMultipart) UploadPart(ctx context.Context, partNumber int, data []byte, checksum uint64) (string, error) {
	if logstore.PartChecksum(data) != checksum {
		return "", logstore.ErrPartChecksumMismatch{PartNumber: partNumber}
	}
	if _, err := m.f.Write(data); err != nil {
		return "", err
	}
	return fmt.Sprintf("part-%d", partNumber), nil
}

func (m *localMultipart) Complete(ctx context.Context, etags []string) error {
	return m.f.Close()
}

func (m *localMultipart) Abort(ctx context.Context) error {
	name := m.f.Name()
	_ = m.f.Close()
	return os.Remove(name)
}
