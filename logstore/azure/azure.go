// Package azure is the Azure Blob Storage log store driver: conditional
// put via the blob service's IfNoneMatch access condition.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/estuary/deltakeeper/logstore"
)

// Driver is an Azure Blob Storage-backed log store driver scoped to one
// container and prefix.
type Driver struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New returns a Driver using client, storing log entries under
// <container>/<prefix>/_delta_log/.
func New(client *azblob.Client, containerName, prefix string) *Driver {
	return &Driver{client: client, container: containerName, prefix: prefix}
}

func (d *Driver) Name() string                 { return "Azure" }
func (d *Driver) SupportsConditionalPut() bool { return true }

func (d *Driver) blobName(path string) string { return d.prefix + "/" + path }

func (d *Driver) GetLatestVersion(ctx context.Context, hint int64) (int64, error) {
	latest := hint - 1
	for v := hint; ; v++ {
		if _, err := d.client.ServiceClient().NewContainerClient(d.container).NewBlobClient(d.blobName(logstore.LogPath(v))).GetProperties(ctx, nil); err != nil {
			break
		}
		latest = v
	}
	return latest, nil
}

func (d *Driver) WriteCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	data := payload.Bytes
	if !payload.IsBytes() {
		resp, err := d.client.DownloadStream(ctx, d.container, d.blobName(payload.Path), nil)
		if err != nil {
			return fmt.Errorf("azure: reading staged payload: %w", err)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("azure: reading staged payload: %w", err)
		}
	}

	_, err := d.client.UploadBuffer(ctx, d.container, d.blobName(logstore.LogPath(version)), data, &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	})
	if err != nil {
		if isConditionNotMet(err) {
			return logstore.ErrVersionAlreadyExists{Version: version}
		}
		return fmt.Errorf("azure: writing version %d: %w", version, err)
	}
	return nil
}

func isConditionNotMet(err error) bool {
	var respErr *azcore.ResponseError
	if ok := asResponseError(err, &respErr); ok {
		return respErr.StatusCode == 412
	}
	return false
}

func asResponseError(err error, target **azcore.ResponseError) bool {
	for err != nil {
		if e, ok := err.(*azcore.ResponseError); ok {
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
	_, err := d.client.DeleteBlob(ctx, d.container, d.blobName(payload.Path), nil)
	if err != nil && !isBlobNotFound(err) {
		return fmt.Errorf("azure: aborting staged payload %s: %w", payload.Path, err)
	}
	return nil
}

func isBlobNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if ok := asResponseError(err, &respErr); ok {
		return respErr.StatusCode == 404
	}
	return false
}

func (d *Driver) ReadCommitEntry(ctx context.Context, version int64) ([]byte, error) {
	resp, err := d.client.DownloadStream(ctx, d.container, d.blobName(logstore.LogPath(version)), nil)
	if err != nil {
		return nil, fmt.Errorf("azure: reading version %d: %w", version, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azure: reading version %d: %w", version, err)
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
	opts := &azblob.UploadBufferOptions{}
	if ifAbsent {
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		}
	}
	_, err := o.driver.client.UploadBuffer(ctx, o.driver.container, o.driver.blobName(path), data, opts)
	if err != nil && ifAbsent && isConditionNotMet(err) {
		return logstore.ErrVersionAlreadyExists{}
	}
	return err
}

func (o *objectStore) Delete(ctx context.Context, path string) error {
	_, err := o.driver.client.DeleteBlob(ctx, o.driver.container, o.driver.blobName(path), nil)
	if err != nil && !isBlobNotFound(err) {
		return err
	}
	return nil
}

func (o *objectStore) Get(ctx context.Context, path string) ([]byte, error) {
	resp, err := o.driver.client.DownloadStream(ctx, o.driver.container, o.driver.blobName(path), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (o *objectStore) NewMultipartUpload(ctx context.Context, path string) (logstore.MultipartUpload, error) {
	return &azureBlockUpload{driver: o.driver, path: path}, nil
}

// azureBlockUpload implements multipart upload via Azure's native block-blob
// staging API: each part is staged as a block, then committed as a block
// list, mirroring S3/GCS multipart semantics with Azure's own primitive.
type azureBlockUpload struct {
	driver  *Driver
	path    string
	blockID []string
}

// UploadPart relies on Azure Blob's own transport integrity; checksum is
// accepted for interface uniformity with the drivers that verify it
// themselves.
func (u *azureBlockUpload) UploadPart(ctx context.Context, partNumber int, data []byte, checksum uint64) (string, error) {
	id := blockIDFor(partNumber)
	bc := u.driver.client.ServiceClient().NewContainerClient(u.driver.container).NewBlockBlobClient(u.driver.blobName(u.path))
	if _, err := bc.StageBlock(ctx, id, readSeekCloser{bytes.NewReader(data)}, nil); err != nil {
		return "", fmt.Errorf("azure: staging block %d: %w", partNumber, err)
	}
	u.blockID = append(u.blockID, id)
	return id, nil
}

func (u *azureBlockUpload) Complete(ctx context.Context, etags []string) error {
	bc := u.driver.client.ServiceClient().NewContainerClient(u.driver.container).NewBlockBlobClient(u.driver.blobName(u.path))
	_, err := bc.CommitBlockList(ctx, u.blockID, nil)
	return err
}

func (u *azureBlockUpload) Abort(ctx context.Context) error {
	// Uncommitted blocks expire automatically after 7 days; nothing to do
	// synchronously.
	return nil
}

func blockIDFor(n int) string {
	return fmt.Sprintf("%032d", n)
}

// readSeekCloser adapts a *bytes.Reader to io.ReadSeekCloser, which
// StageBlock requires.
type readSeekCloser struct {
	*bytes.Reader
}

func (readSeekCloser) Close() error { return nil }
