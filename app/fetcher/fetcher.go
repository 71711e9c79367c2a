package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/feed"
)

type Config struct {
	UserAgent   string
	Timeout     time.Duration // used when a source sets none
	MaxBodySize int64
	HostRate    float64 // requests per second per host, 0 disables pacing
	HostBurst   int
}

func DefaultConfig() Config {
	return Config{
		UserAgent:   "threat-comb/1.0",
		Timeout:     30 * time.Second,
		MaxBodySize: 64 << 20,
		HostRate:    1,
		HostBurst:   2,
	}
}

type Fetcher struct {
	client *http.Client
	cfg    Config
	clock  clock.Clock
	getenv func(string) (string, bool)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(client *http.Client, cfg Config, clk clock.Clock) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	return &Fetcher{
		client:   client,
		cfg:      cfg,
		clock:    clk,
		getenv:   os.LookupEnv,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch retrieves the raw payload of a source. Every failure is a
// *feed.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, src *feed.Source) ([]byte, error) {
	u, err := url.Parse(src.Endpoint)
	if err != nil {
		return nil, &feed.FetchError{SourceID: src.ID, Err: fmt.Errorf("invalid endpoint: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout(src))
	defer cancel()

	var data []byte
	switch u.Scheme {
	case "file", "":
		data, err = f.readFile(filePath(u))
	case "http", "https":
		data, err = f.get(ctx, src, u)
	default:
		err = fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, f.fetchError(ctx, src, err)
	}

	data, err = decompress(data, f.cfg.MaxBodySize)
	if err != nil {
		return nil, &feed.FetchError{SourceID: src.ID, Err: err}
	}
	return data, nil
}

// Probe checks that a source answers. Latency is measured to the response
// headers.
func (f *Fetcher) Probe(ctx context.Context, src *feed.Source) (bool, time.Duration, error) {
	u, err := url.Parse(src.Endpoint)
	if err != nil {
		return false, 0, &feed.FetchError{SourceID: src.ID, Err: fmt.Errorf("invalid endpoint: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout(src))
	defer cancel()

	start := f.clock.Now()
	switch u.Scheme {
	case "file", "":
		if _, err := os.Stat(filePath(u)); err != nil {
			return false, f.clock.Now().Sub(start), f.fetchError(ctx, src, err)
		}
		return true, f.clock.Now().Sub(start), nil
	case "http", "https":
	default:
		return false, 0, &feed.FetchError{SourceID: src.ID, Err: fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)}
	}

	resp, err := f.do(ctx, src, u)
	latency := f.clock.Now().Sub(start)
	if err != nil {
		return false, latency, f.fetchError(ctx, src, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return false, latency, &feed.FetchError{SourceID: src.ID, StatusCode: resp.StatusCode}
	}
	return true, latency, nil
}

func (f *Fetcher) get(ctx context.Context, src *feed.Source, u *url.URL) ([]byte, error) {
	resp, err := f.do(ctx, src, u)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := f.readLimited(resp.Body)
	if err != nil {
		return nil, err
	}

	// Encoded bodies are unwrapped by Fetch along with compressed files.
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity", "gzip", "x-gzip", "zstd":
		return body, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

func (f *Fetcher) do(ctx context.Context, src *feed.Source, u *url.URL) (*http.Response, error) {
	if err := f.limiter(u.Host).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip, zstd")

	if src.Auth != "" {
		token, err := f.credential(src.Auth)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	slog.Debug("Fetching source", "source_id", src.ID, "url", u.Redacted())
	return f.client.Do(req)
}

// credential resolves an "env:NAME" reference.
func (f *Fetcher) credential(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok || name == "" {
		return "", fmt.Errorf("unsupported credential reference %q", ref)
	}
	value, ok := f.getenv(name)
	if !ok || value == "" {
		return "", fmt.Errorf("credential variable %s is not set", name)
	}
	return value, nil
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cfg.HostRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.cfg.HostRate), max(1, f.cfg.HostBurst))
		f.limiters[host] = l
	}
	return l
}

func (f *Fetcher) readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	return f.readLimited(file)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.cfg.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > f.cfg.MaxBodySize {
		return nil, fmt.Errorf("payload exceeds %d bytes", f.cfg.MaxBodySize)
	}
	return data, nil
}

func (f *Fetcher) timeout(src *feed.Source) time.Duration {
	if src.Timeout > 0 {
		return time.Duration(src.Timeout) * time.Second
	}
	if f.cfg.Timeout > 0 {
		return f.cfg.Timeout
	}
	return DefaultConfig().Timeout
}

func (f *Fetcher) fetchError(ctx context.Context, src *feed.Source, err error) error {
	var status *statusError
	if errors.As(err, &status) {
		return &feed.FetchError{SourceID: src.ID, StatusCode: status.code}
	}
	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &feed.FetchError{SourceID: src.ID, Timeout: timedOut, Err: err}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error: %d %s", e.code, http.StatusText(e.code))
}

func filePath(u *url.URL) string {
	if u.Scheme == "" {
		return u.Path
	}
	return u.Host + u.Path
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// decompress unwraps gzip and zstd payloads, recognised by their magic
// bytes. Anything else is returned as is.
func decompress(data []byte, limit int64) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		var zr *gzip.Reader
		if zr, err = gzip.NewReader(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to open gzip payload: %w", err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	case bytes.HasPrefix(data, zstdMagic):
		var zr *zstd.Decoder
		if zr, err = zstd.NewReader(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to open zstd payload: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return data, nil
	}

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", limit)
	}
	return out, nil
}
