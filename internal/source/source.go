package source

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yungbote/graphstage/internal/platform/gcp"
	"github.com/yungbote/graphstage/internal/platform/logger"
)

// Source resolves manifest and mapping file names to byte streams. Every Open starts a fresh
// read from the beginning of the file.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	String() string
}

// New picks a Source by URI scheme: gs://bucket/prefix, http(s)://base, or a local directory.
// The returned close func releases any client the source holds.
func New(ctx context.Context, uri string, log *logger.Logger) (Source, func() error, error) {
	noop := func() error { return nil }
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, noop, fmt.Errorf("source: empty uri")
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return &Dir{Root: uri}, noop, nil
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return &Dir{Root: u.Path}, noop, nil
	case "http", "https":
		return NewHTTP(u, nil), noop, nil
	case "gs":
		cfg, err := gcp.ResolveStorageConfigFromEnv()
		if err != nil {
			return nil, noop, fmt.Errorf("source: %w", err)
		}
		r, err := gcp.NewObjectReader(ctx, log, cfg)
		if err != nil {
			return nil, noop, fmt.Errorf("source: %w", err)
		}
		return &GCS{Reader: r, Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, r.Close, nil
	default:
		return nil, noop, fmt.Errorf("source: unsupported scheme %q", u.Scheme)
	}
}

// ReadAll reads a whole (small) file such as a manifest or digest.
func ReadAll(ctx context.Context, src Source, name string) ([]byte, error) {
	rc, err := src.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

type Dir struct {
	Root string
}

// Open reads Root/name, falling back to Root/base(name) so manifests may carry paths.
func (d *Dir) Open(_ context.Context, name string) (io.ReadCloser, error) {
	p := filepath.Join(d.Root, filepath.FromSlash(name))
	f, err := os.Open(p)
	if err != nil && os.IsNotExist(err) {
		if base := filepath.Base(p); base != name {
			if f2, err2 := os.Open(filepath.Join(d.Root, base)); err2 == nil {
				return f2, nil
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return f, nil
}

func (d *Dir) String() string { return d.Root }

type HTTP struct {
	Base   *url.URL
	Client *http.Client
}

// NewHTTP reads files relative to base. A nil client gets a traced transport and a timeout
// sized for large extracts.
func NewHTTP(base *url.URL, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Minute,
		}
	}
	b := *base
	if !strings.HasSuffix(b.Path, "/") {
		b.Path += "/"
	}
	return &HTTP{Base: &b, Client: client}
}

func (h *HTTP) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	ref, err := url.Parse(strings.TrimLeft(name, "/"))
	if err != nil {
		return nil, fmt.Errorf("source: bad name %q: %w", name, err)
	}
	target := h.Base.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: get %s: %w", target, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("source: %s: %w", target, fs.ErrNotExist)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("source: get %s: status=%d body=%s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}

func (h *HTTP) String() string { return h.Base.String() }

type GCS struct {
	Reader *gcp.ObjectReader
	Bucket string
	Prefix string
}

func (g *GCS) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return g.Reader.Open(ctx, g.Bucket, path.Join(g.Prefix, name))
}

func (g *GCS) String() string { return "gs://" + path.Join(g.Bucket, g.Prefix) }
