// Package s3 is the Amazon S3 log store driver: conditional put via S3's
// If-None-Match precondition (supported for PutObject since 2024), paired
// with a real multipart upload implementation for the partitioned writer.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/estuary/deltakeeper/logstore"
)

// Driver is an S3-backed log store driver scoped to one bucket and prefix.
type Driver struct {
	svc    *s3.S3
	bucket string
	prefix string
}

// New returns a Driver using svc, storing log entries under
// s3://bucket/prefix/_delta_log/.
func New(svc *s3.S3, bucket, prefix string) *Driver {
	return &Driver{svc: svc, bucket: bucket, prefix: prefix}
}

func (d *Driver) Name() string                 { return "S3" }
func (d *Driver) SupportsConditionalPut() bool { return true }

func (d *Driver) key(path string) string { return d.prefix + "/" + path }

func (d *Driver) GetLatestVersion(ctx context.Context, hint int64) (int64, error) {
	latest := hint - 1
	for v := hint; ; v++ {
		_, err := d.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(d.key(logstore.LogPath(v))),
		})
		if err != nil {
			break
		}
		latest = v
	}
	return latest, nil
}

func (d *Driver) WriteCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	data := payload.Bytes
	if !payload.IsBytes() {
		out, err := d.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(d.key(payload.Path)),
		})
		if err != nil {
			return fmt.Errorf("s3: reading staged payload: %w", err)
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("s3: reading staged payload: %w", err)
		}
	}

	_, err := d.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.key(logstore.LogPath(version))),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return logstore.ErrVersionAlreadyExists{Version: version}
		}
		return fmt.Errorf("s3: writing version %d: %w", version, err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	default:
		return false
	}
}

func (d *Driver) AbortCommitEntry(ctx context.Context, version int64, payload logstore.CommitOrBytes, opID string) error {
	if payload.IsBytes() {
		return nil
	}
	_, err := d.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(payload.Path)),
	})
	if err != nil {
		return fmt.Errorf("s3: aborting staged payload %s: %w", payload.Path, err)
	}
	return nil
}

func (d *Driver) ReadCommitEntry(ctx context.Context, version int64) ([]byte, error) {
	out, err := d.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(logstore.LogPath(version))),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: reading version %d: %w", version, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: reading version %d: %w", version, err)
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
	in := &s3.PutObjectInput{
		Bucket: aws.String(o.driver.bucket),
		Key:    aws.String(o.driver.key(path)),
		Body:   bytes.NewReader(data),
	}
	if ifAbsent {
		in.IfNoneMatch = aws.String("*")
	}
	_, err := o.driver.svc.PutObjectWithContext(ctx, in)
	if err != nil && ifAbsent && isPreconditionFailed(err) {
		return logstore.ErrVersionAlreadyExists{}
	}
	return err
}

func (o *objectStore) Delete(ctx context.Context, path string) error {
	_, err := o.driver.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.driver.bucket),
		Key:    aws.String(o.driver.key(path)),
	})
	return err
}

func (o *objectStore) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := o.driver.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.driver.bucket),
		Key:    aws.String(o.driver.key(path)),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (o *objectStore) NewMultipartUpload(ctx context.Context, path string) (logstore.MultipartUpload, error) {
	key := o.driver.key(path)
	out, err := o.driver.svc.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(o.driver.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: creating multipart upload for %s: %w", key, err)
	}
	return &s3MultipartUpload{driver: o.driver, key: key, uploadID: out.UploadId}, nil
}

type s3MultipartUpload struct {
	driver   *Driver
	key      string
	uploadID *string
	parts    []*s3.CompletedPart
}

// UploadPart relies on S3's own TLS transport and part-level ETag for
// wire integrity; checksum is accepted for interface uniformity with the
// drivers that verify it themselves, since the SDK has no hook to pass an
// arbitrary client-computed digest through to the PUT.
func (u *s3MultipartUpload) UploadPart(ctx context.Context, partNumber int, data []byte, checksum uint64) (string, error) {
	out, err := u.driver.svc.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(u.driver.bucket),
		Key:        aws.String(u.key),
		UploadId:   u.uploadID,
		PartNumber: aws.Int64(int64(partNumber)),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("s3: uploading part %d of %s: %w", partNumber, u.key, err)
	}
	u.parts = append(u.parts, &s3.CompletedPart{ETag: out.ETag, PartNumber: aws.Int64(int64(partNumber))})
	return aws.StringValue(out.ETag), nil
}

func (u *s3MultipartUpload) Complete(ctx context.Context, etags []string) error {
	_, err := u.driver.svc.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.driver.bucket),
		Key:             aws.String(u.key),
		UploadId:        u.uploadID,
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: u.parts},
	})
	if err != nil {
		return fmt.Errorf("s3: completing multipart upload of %s: %w", u.key, err)
	}
	return nil
}

func (u *s3MultipartUpload) Abort(ctx context.Context) error {
	_, err := u.driver.svc.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.driver.bucket),
		Key:      aws.String(u.key),
		UploadId: u.uploadID,
	})
	return err
}
