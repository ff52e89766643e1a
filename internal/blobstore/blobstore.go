// Package blobstore provides pluggable large-object backends for the
// Coordination Store's blob store (spec §4.A), used when a blob exceeds
// the inline threshold. Each backend adapts one of the teacher's three
// cloud log-archival integrations to zk.BlobBackend.
package blobstore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"zuul/internal/zk"
)

// S3Backend stores blobs as objects in a single S3 bucket, keyed by
// content hash.
type S3Backend struct {
	client *s3.Client
	bucket string
}

var _ zk.BlobBackend = (*S3Backend)(nil)

// NewS3Backend wraps an already-configured S3 client (callers assemble
// it with aws-sdk-go-v2/config.LoadDefaultConfig the way the teacher's
// cloud log-archival ingesters do).
func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket}
}

func (b *S3Backend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytesReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put blob %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get blob %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete blob %s: %w", key, err)
	}
	return nil
}

// GCSBackend stores blobs as objects in a single Google Cloud Storage
// bucket.
type GCSBackend struct {
	client *storage.Client
	bucket string
}

var _ zk.BlobBackend = (*GCSBackend)(nil)

// NewGCSBackend wraps an already-configured GCS client.
func NewGCSBackend(client *storage.Client, bucket string) *GCSBackend {
	return &GCSBackend{client: client, bucket: bucket}
}

func (b *GCSBackend) Put(ctx context.Context, key string, data []byte) error {
	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs put blob %s: %w", key, err)
	}
	return w.Close()
}

func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get blob %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Bucket(b.bucket).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("gcs delete blob %s: %w", key, err)
	}
	return nil
}

// AzureBackend stores blobs as blockblobs in a single Azure Blob Storage
// container.
type AzureBackend struct {
	client    *azblob.Client
	container string
}

var _ zk.BlobBackend = (*AzureBackend)(nil)

// NewAzureBackend wraps an already-configured Azure blob client.
func NewAzureBackend(client *azblob.Client, container string) *AzureBackend {
	return &AzureBackend{client: client, container: container}
}

func (b *AzureBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.UploadBuffer(ctx, b.container, key, data, nil)
	if err != nil {
		return fmt.Errorf("azure put blob %s: %w", key, err)
	}
	return nil
}

func (b *AzureBackend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.DownloadStream(ctx, b.container, key, nil)
	if err != nil {
		return nil, fmt.Errorf("azure get blob %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *AzureBackend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteBlob(ctx, b.container, key, nil)
	if err != nil {
		return fmt.Errorf("azure delete blob %s: %w", key, err)
	}
	return nil
}

func bytesReader(b []byte) *bytesReaderSeeker {
	return &bytesReaderSeeker{b: b}
}

// bytesReaderSeeker adapts a []byte to io.ReadSeeker for s3's PutObject,
// which needs Seek for retry/signing.
type bytesReaderSeeker struct {
	b   []byte
	pos int
}

func (r *bytesReaderSeeker) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func (r *bytesReaderSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = r.pos
	case io.SeekEnd:
		base = len(r.b)
	}
	newPos := base + int(offset)
	if newPos < 0 || newPos > len(r.b) {
		return 0, fmt.Errorf("seek out of range")
	}
	r.pos = newPos
	return int64(newPos), nil
}
