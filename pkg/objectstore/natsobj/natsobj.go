// Package natsobj implements objectstore.Gateway on a NATS JetStream
// object-store bucket.
package natsobj

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/fluxorio/claimbridge/pkg/objectstore"
)

// Config describes the bucket backing the store.
type Config struct {
	// Bucket is the object-store bucket name. Required.
	Bucket string `yaml:"bucket" json:"bucket"`

	// Description is recorded on bucket creation.
	Description string `yaml:"description" json:"description"`

	// FileStorage selects file storage; memory storage otherwise.
	FileStorage bool `yaml:"file_storage" json:"file_storage"`

	// Replicas is the bucket replication factor. Default: 1.
	Replicas int `yaml:"replicas" json:"replicas"`

	// MaxBytes caps the bucket size. 0 means unlimited.
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes"`

	// TTL expires objects after the given age. 0 keeps objects until deleted.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// Store is a Gateway over a JetStream object store bucket.
type Store struct {
	bucket string
	obs    jetstream.ObjectStore
}

// New binds to cfg.Bucket, creating it when missing.
func New(ctx context.Context, js jetstream.JetStream, cfg Config) (*Store, error) {
	if js == nil {
		return nil, fmt.Errorf("natsobj: jetstream context is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("natsobj: bucket is required")
	}

	obs, err := js.ObjectStore(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		storage := jetstream.MemoryStorage
		if cfg.FileStorage {
			storage = jetstream.FileStorage
		}
		replicas := cfg.Replicas
		if replicas <= 0 {
			replicas = 1
		}
		obs, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      cfg.Bucket,
			Description: cfg.Description,
			Storage:     storage,
			Replicas:    replicas,
			MaxBytes:    cfg.MaxBytes,
			TTL:         cfg.TTL,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			// Another process created it first.
			obs, err = js.ObjectStore(ctx, cfg.Bucket)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("natsobj: bind bucket %s: %w", cfg.Bucket, err)
	}
	return &Store{bucket: cfg.Bucket, obs: obs}, nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// Upload streams localPath into the bucket under name.
func (s *Store) Upload(ctx context.Context, name, localPath string) error {
	if err := objectstore.ValidateName(name); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return objectstore.TransferError("upload", name, err)
	}
	defer f.Close()

	if _, err := s.obs.Put(ctx, jetstream.ObjectMeta{Name: name}, f); err != nil {
		return objectstore.TransferError("upload", name, err)
	}
	return nil
}

// Download streams the object into localPath. The object digest is verified
// by the client when the reader hits EOF; a mismatch surfaces as a transfer
// error and the partial file is discarded.
func (s *Store) Download(ctx context.Context, name, localPath string) error {
	if err := objectstore.ValidateName(name); err != nil {
		return err
	}
	res, err := s.obs.Get(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return objectstore.NotFoundError("download", name)
		}
		return objectstore.TransferError("download", name, err)
	}
	defer res.Close()

	_, err = objectstore.WriteFileAtomic("download", name, localPath, res)
	return err
}

// Delete removes the object; a missing object is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := objectstore.ValidateName(name); err != nil {
		return err
	}
	if err := s.obs.Delete(ctx, name); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return objectstore.TransferError("delete", name, err)
	}
	return nil
}

// Exists reports whether the object is present and not deleted.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	if err := objectstore.ValidateName(name); err != nil {
		return false, err
	}
	info, err := s.obs.GetInfo(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return false, nil
		}
		return false, objectstore.TransferError("exists", name, err)
	}
	return !info.Deleted, nil
}

var _ objectstore.Gateway = (*Store)(nil)
