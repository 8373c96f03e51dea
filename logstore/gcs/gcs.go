// Package gcs is the Google Cloud Storage log store driver: conditional put
// via GCS's generation precondition, the strongest atomicity primitive
// among the cloud drivers in this module.
package gcs

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/estuary/deltakeeper/logstore"
	"google.golang.org/api/googleapi"
)

// Driver is a GCS-backed log store driver scoped to one bucket and prefix.
type Driver struct {
	client *storage.Client
	bucket string
	prefix string
}

// New returns a Driver using client, storing log entries under
// gs://bucket/prefix/_delta_log/.
func New(client *storage.Client, bucket, prefix string) *Driver {
	return &Driver{client: client, bucket: bucket, prefix: prefix}
}

func (d *Driver) Name() string                 { return "GCS" }
func (d *Driver) SupportsConditionalPut() bool { return true }

func (d *Driver) object(path string) *storage.ObjectHandle {
	return d.client.Bucket(d.bucket).Object(d.prefix + "/" + path)
}

func (d *Driver) GetLatestVersion(ctx context.Context, hint int64) (int64, error) {
	latest := hint - 1
	for v := hint; ; v++ {
		if _, err := d.object(logstore.LogPath(v)).Attrs(ctx); err != nil {
			break
		}
		latest = v
	}
	return latest, nil
}

func (d *Driver) WriteCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	data := payload.Bytes
	if !payload.IsBytes() {
		b, err := d.object(payload.Path).NewReader(ctx)
		if err != nil {
			return fmt.Errorf("gcs: reading staged payload: %w", err)
		}
		defer b.Close()
		data, err = io.ReadAll(b)
		if err != nil {
			return fmt.Errorf("gcs: reading staged payload: %w", err)
		}
	}

	obj := d.object(logstore.LogPath(version)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs: writing version %d: %w", version, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return logstore.ErrVersionAlreadyExists{Version: version}
		}
		return fmt.Errorf("gcs: closing version %d writer: %w", version, err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	if ok := asGoogleAPIError(err, &apiErr); ok {
		return apiErr.Code == 412
	}
	return false
}

func asGoogleAPIError(err error, target **googleapi.Error) bool {
	for err != nil {
		if e, ok := err.(*googleapi.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (d *Driver) AbortCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	if payload.IsBytes() {
		return nil
	}
	if err := d.object(payload.Path).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("gcs: aborting staged payload %s: %w", payload.Path, err)
	}
	return nil
}

func (d *Driver) ReadCommitEntry(ctx context.Context, version int64) ([]byte, error) {
	r, err := d.object(logstore.LogPath(version)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs: reading version %d: %w", version, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs: reading version %d: %w", version, err)
	}
	return data, nil
}

func (d *Driver) ObjectStore(opID *string) logstore.ObjectStore {
	return &objectStore{driver: d}
}

type objectStore struct {
	driver *Driver
}

func (o *objectStore) Put(ctx context.Context, path string, data []byte, ifAbsent bool) error {
	obj := o.driver.object(path)
	if ifAbsent {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		if ifAbsent && isPreconditionFailed(err) {
			return logstore.ErrVersionAlreadyExists{}
		}
		return err
	}
	return nil
}

func (o *objectStore) Delete(ctx context.Context, path string) error {
	if err := o.driver.object(path).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
		return err
	}
	return nil
}

func (o *objectStore) Get(ctx context.Context, path string) ([]byte, error) {
	r, err := o.driver.object(path).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (o *objectStore) NewMultipartUpload(ctx context.Context, path string) (logstore.MultipartUpload, error) {
	// GCS has no native multipart API; compose semantics emulate it by
	// uploading numbered part objects and composing them into the final
	// object.
	return &gcsComposeUpload{driver: o.driver, finalPath: path}, nil
}

type gcsComposeUpload struct {
	driver    *Driver
	finalPath string
	parts     []string
}

// UploadPart relies on GCS's own transport integrity; checksum is
// accepted for interface uniformity with the drivers that verify it
// themselves.
func (u *gcsComposeUpload) UploadPart(ctx context.Context, partNumber int, data []byte, checksum uint64) (string, error) {
	partPath := fmt.Sprintf("%s.part-%05d", u.finalPath, partNumber)
	w := u.driver.object(partPath).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	u.parts = append(u.parts, partPath)
	return partPath, nil
}

func (u *gcsComposeUpload) Complete(ctx context.Context, etags []string) error {
	var srcs []*storage.ObjectHandle
	for _, p := range u.parts {
		srcs = append(srcs, u.driver.object(p))
	}
	if _, err := u.driver.object(u.finalPath).ComposerFrom(srcs...).Run(ctx); err != nil {
		return fmt.Errorf("gcs: composing %s from %d parts: %w", u.finalPath, len(srcs), err)
	}
	for _, p := range u.parts {
		_ = u.driver.object(p).Delete(ctx)
	}
	return nil
}

func (u *gcsComposeUpload) Abort(ctx context.Context) error {
	for _, p := range u.parts {
		_ = u.driver.object(p).Delete(ctx)
	}
	return nil
}
