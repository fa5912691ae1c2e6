package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yungbote/graphstage/internal/platform/logger"
)

// ObjectReader streams objects out of GCS buckets.
type ObjectReader struct {
	log    *logger.Logger
	client *storage.Client
	mode   StorageMode
}

func NewObjectReader(ctx context.Context, log *logger.Logger, cfg StorageConfig) (*ObjectReader, error) {
	if err := ValidateStorageConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate gcs storage config: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	client, err := newStorageClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	log.Info("gcs object reader initialized", "mode", cfg.Mode, "emulator_host", cfg.EmulatorHost, "inferred", cfg.Inferred)
	return &ObjectReader{log: log.With("service", "ObjectReader"), client: client, mode: cfg.Mode}, nil
}

func newStorageClient(ctx context.Context, cfg StorageConfig) (*storage.Client, error) {
	switch cfg.Mode {
	case StorageModeGCS:
		opts := ClientOptionsFromEnv()
		opts = append(opts, option.WithScopes(storage.ScopeReadOnly))
		return storage.NewClient(ctx, opts...)
	case StorageModeGCSEmulator:
		// The storage client picks the emulator endpoint up from the environment.
		_ = os.Setenv("STORAGE_EMULATOR_HOST", strings.TrimRight(cfg.EmulatorHost, "/"))
		return storage.NewClient(ctx, option.WithoutAuthentication())
	default:
		return nil, &StorageConfigError{Code: StorageConfigInvalidMode, Mode: string(cfg.Mode)}
	}
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

// Open returns a reader over bucket/key. A missing object wraps fs.ErrNotExist.
func (r *ObjectReader) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	rctx, cancel := context.WithCancel(ctx)
	rd, err := r.client.Bucket(bucket).Object(key).NewReader(rctx)
	if err != nil {
		cancel()
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", bucket, key, errors.Join(fs.ErrNotExist, err))
		}
		return nil, fmt.Errorf("open gs://%s/%s: %w", bucket, key, err)
	}
	r.log.Debug("gcs object opened", "bucket", bucket, "key", key, "size", rd.Attrs.Size)
	return &readCloserWithCancel{ReadCloser: rd, cancel: cancel}, nil
}

func (r *ObjectReader) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := r.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (r *ObjectReader) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
