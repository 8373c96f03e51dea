// Package mem is a mutex-guarded in-memory log store driver: the fast
// conditional-put-capable test double the rest of this module's test suite
// is built on.
package mem

import (
	"context"
	"sync"

	"github.com/estuary/deltakeeper/logstore"
)

type objectEntry struct {
	data []byte
}

// Store is an in-memory object store + log store driver. Construct it with
// New: the zero value has a nil object map and panics on its first write.
type Store struct {
	mu      sync.Mutex
	objects map[string]objectEntry
}

// New returns a ready-to-use in-memory driver.
func New() *Store {
	return &Store{objects: map[string]objectEntry{}}
}

func (s *Store) Name() string                   { return "Memory" }
func (s *Store) SupportsConditionalPut() bool    { return true }
func (s *Store) ObjectStore(opID *string) logstore.ObjectStore { return (*objectStoreHandle)(s) }

type objectStoreHandle Store

func (h *objectStoreHandle) store() *Store { return (*Store)(h) }

func (h *objectStoreHandle) Put(ctx context.Context, path string, data []byte, ifAbsent bool) error {
	s := h.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ifAbsent {
		if _, ok := s.objects[path]; ok {
			return &alreadyExistsError{path: path}
		}
	}
	s.objects[path] = objectEntry{data: append([]byte(nil), data...)}
	return nil
}

func (h *objectStoreHandle) Delete(ctx context.Context, path string) error {
	s := h.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (h *objectStoreHandle) Get(ctx context.Context, path string) ([]byte, error) {
	s := h.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[path]
	if !ok {
		return nil, &notFoundError{path: path}
	}
	return append([]byte(nil), e.data...), nil
}

func (h *objectStoreHandle) NewMultipartUpload(ctx context.Context, path string) (logstore.MultipartUpload, error) {
	return &memMultipart{handle: h, path: path}, nil
}

type memMultipart struct {
	handle *objectStoreHandle
	path   string
	parts  [][]byte
}

func (m *memMultipart) UploadPart(ctx context.Context, partNumber int, data []byte, checksum uint64) (string, error) {
	if logstore.PartChecksum(data) != checksum {
		return "", logstore.ErrPartChecksumMismatch{PartNumber: partNumber}
	}
	m.parts = append(m.parts, append([]byte(nil), data...))
	return etagFor(partNumber), nil
}

func (m *memMultipart) Complete(ctx context.Context, etags []string) error {
	var all []byte
	for _, p := range m.parts {
		all = append(all, p...)
	}
	return m.handle.Put(context.Background(), m.path, all, false)
}

func (m *memMultipart) Abort(ctx context.Context) error {
	m.parts = nil
	return nil
}

func etagFor(partNumber int) string {
	return "mem-etag-" + itoa(partNumber)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

type notFoundError struct{ path string }

func (e *notFoundError) Error() string { return "object not found: " + e.path }

type alreadyExistsError struct{ path string }

func (e *alreadyExistsError) Error() string { return "object already exists: " + e.path }

// GetLatestVersion returns the highest installed version >= hint by
// probing log paths sequentially from hint upward. O(n) but this driver
// exists for tests, not production scale.
func (s *Store) GetLatestVersion(ctx context.Context, hint int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := hint - 1
	for v := hint; ; v++ {
		if _, ok := s.objects[logstore.LogPath(v)]; !ok {
			break
		}
		latest = v
	}
	if latest < hint-1 {
		latest = hint - 1
	}
	return latest, nil
}

func (s *Store) WriteCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	data := payload.Bytes
	if !payload.IsBytes() {
		b, err := s.readRaw(payload.Path)
		if err != nil {
			return err
		}
		data = b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := logstore.LogPath(version)
	if _, ok := s.objects[path]; ok {
		return logstore.ErrVersionAlreadyExists{Version: version}
	}
	s.objects[path] = objectEntry{data: append([]byte(nil), data...)}
	return nil
}

func (s *Store) readRaw(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[path]
	if !ok {
		return nil, &notFoundError{path: path}
	}
	return e.data, nil
}

func (s *Store) AbortCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	if payload.IsBytes() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, payload.Path)
	return nil
}

func (s *Store) ReadCommitEntry(ctx context.Context, version int64) ([]byte, error) {
	return s.readRaw(logstore.LogPath(version))
}

// StageTemp writes payload bytes to a temp path and returns a TmpCommit
// CommitOrBytes, exercising the rename-based staging path even though this
// driver itself supports conditional put (used by tests that want to
// exercise both staging shapes against one driver).
func (s *Store) StageTemp(ctx context.Context, opID string, data []byte) (logstore.CommitOrBytes, error) {
	path := logstore.StagedCommitPath(opID)
	if err := (*objectStoreHandle)(s).Put(ctx, path, data, false); err != nil {
		return logstore.CommitOrBytes{}, err
	}
	return logstore.TmpCommit(path), nil
}
