package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"agentdesk/internal/domain/port"
	applog "agentdesk/internal/platform/log"
)

type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	// EmulatorHost 非空时连接本地模拟器（fake-gcs-server），不做认证
	EmulatorHost  string
	PublicBaseURL string
}

// GCS Google Cloud Storage 对象存储
type GCS struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

var _ port.ObjectStore = (*GCS)(nil)

func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket required")
	}
	var opts []option.ClientOption
	if cfg.EmulatorHost != "" {
		// storage 客户端通过该环境变量切换到模拟器
		if err := os.Setenv("STORAGE_EMULATOR_HOST", cfg.EmulatorHost); err != nil {
			return nil, err
		}
		opts = append(opts, option.WithoutAuthentication())
	} else {
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		if cfg.EmulatorHost != "" {
			baseURL = strings.TrimRight(cfg.EmulatorHost, "/") + "/" + cfg.Bucket
		} else {
			baseURL = "https://storage.googleapis.com/" + cfg.Bucket
		}
	}
	applog.Info("[ObjectStore/GCS] Client ready", "bucket", cfg.Bucket, "emulator", cfg.EmulatorHost != "")
	return &GCS{client: client, bucket: cfg.Bucket, baseURL: baseURL}, nil
}

func (g *GCS) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", port.Transient("gcs.put", fmt.Errorf("failed to write data to GCS: %w", err))
	}
	if err := w.Close(); err != nil {
		return "", port.Transient("gcs.put", fmt.Errorf("failed to close GCS writer: %w", err))
	}
	return g.baseURL + "/" + key, nil
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, port.ErrObjectNotFound
	}
	if err != nil {
		return nil, port.Transient("gcs.get", fmt.Errorf("failed to open GCS reader: %w", err))
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, port.Transient("gcs.get", err)
	}
	return data, nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return port.Transient("gcs.delete", fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", key, g.bucket, err))
}

// ListKeys 列出前缀下的对象，运维清理孤儿文件时使用
func (g *GCS) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
