package zk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// BlobRoot is the CS path under which content-addressed blobs live
// (spec §4.A "Blob store").
const BlobRoot = "/zuul/blobs"

// BlobBackend is a pluggable large-object store interface. PutBlob and
// GetBlob do not consult it: they always keep the bytes and the
// last_used sidecar record in the CS tree. Concrete backends adapt the teacher's three cloud log-archival integrations
// (aws-sdk-go-v2/s3, cloud.google.com/go/storage, Azure azblob) to this
// interface — see internal/blobstore.
type BlobBackend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// PutBlob stores data content-addressed by its SHA-256 hash and stamps a
// last_used unix timestamp, returning the content key. Every blob,
// whatever its size, is stored directly under BlobRoot.
func (c *Client) PutBlob(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	path := BlobRoot + "/" + key
	if ok, _ := c.Exists(path); ok {
		return key, c.touchBlob(key)
	}
	if _, err := c.CreateMakepath(path, data, false, false); err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return key, c.touchBlob(key)
}

func (c *Client) touchBlob(key string) error {
	metaPath := BlobRoot + "-meta/" + key
	now := time.Now().Unix()
	data := []byte(fmt.Sprintf("%d", now))
	if ok, _ := c.Exists(metaPath); ok {
		_, stat, err := c.Get(metaPath)
		if err != nil {
			return err
		}
		return c.Set(metaPath, data, stat.Version)
	}
	_, err := c.CreateMakepath(metaPath, data, false, false)
	return err
}

// GetBlob reads back a blob by its content key.
func (c *Client) GetBlob(key string) ([]byte, error) {
	data, _, err := c.Get(BlobRoot + "/" + key)
	return data, err
}

// GetKeysLastUsedBefore lists blob keys whose last_used ltime (stored as
// a unix timestamp) predates cutoff, supporting the Cleanup/Maintenance
// blob GC sweep (spec §4.J "blob store").
func (c *Client) GetKeysLastUsedBefore(cutoff time.Time) ([]string, error) {
	children, err := c.Children(BlobRoot + "-meta")
	if err != nil {
		if err == ErrNoNode {
			return nil, nil
		}
		return nil, err
	}
	var stale []string
	for _, key := range children {
		data, _, err := c.Get(BlobRoot + "-meta/" + key)
		if err != nil {
			continue
		}
		var unixTime int64
		if _, err := fmt.Sscanf(string(data), "%d", &unixTime); err != nil {
			continue
		}
		if time.Unix(unixTime, 0).Before(cutoff) {
			stale = append(stale, key)
		}
	}
	return stale, nil
}

// DeleteBlob removes a blob and its last_used sidecar.
func (c *Client) DeleteBlob(key string) error {
	if err := c.Delete(BlobRoot+"/"+key, -1, false); err != nil && err != ErrNoNode {
		return err
	}
	if err := c.Delete(BlobRoot+"-meta/"+key, -1, false); err != nil && err != ErrNoNode {
		return err
	}
	return nil
}
