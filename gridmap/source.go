package gridmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Source is the external file-serving collaborator. The pipeline only ever
// consumes the byte buffers it returns.
type Source interface {
	// List returns the names of available map files
	List(ctx context.Context) ([]string, error)
	// Fetch returns the contents of one file by name
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// ErrNotFound is returned by a Source when the named file does not exist
var ErrNotFound = errors.New("map file not found")

const (
	// DefaultFetchTimeout is the default HTTP request timeout for map fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 64 MB to prevent OOM.
	maxResponseBytes = 64 << 20
)

// FetchOption configures an HTTPSource.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts per request.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// HTTPSource reads map files from a file server.
// GET <base>/ must return a JSON array of file names; GET <base>/<name> returns the file.
type HTTPSource struct {
	base   string
	cfg    fetchConfig
	client *http.Client
}

// NewHTTPSource creates a source rooted at baseURL
func NewHTTPSource(baseURL string, opts ...FetchOption) (*HTTPSource, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("map source: base URL is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("map source: %w", err)
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	return &HTTPSource{
		base:   strings.TrimSuffix(baseURL, "/"),
		cfg:    cfg,
		client: client,
	}, nil
}

// List fetches the file index
func (s *HTTPSource) List(ctx context.Context) ([]string, error) {
	body, err := s.get(ctx, s.base+"/", "application/json")
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		return nil, fmt.Errorf("list maps: parsing index: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Fetch downloads one file
func (s *HTTPSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	if name == "" || strings.Contains(name, "..") {
		return nil, fmt.Errorf("fetch map: invalid name %q", name)
	}
	body, err := s.get(ctx, s.base+"/"+url.PathEscape(name), "application/octet-stream")
	if err != nil {
		return nil, fmt.Errorf("fetch map %s: %w", name, err)
	}
	return body, nil
}

// get retries transient failures with exponential backoff.
// A 404 is not transient and is returned immediately as ErrNotFound.
func (s *HTTPSource) get(ctx context.Context, target, accept string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, s.client, target, accept)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", s.cfg.maxRetries, lastErr)
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, target, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("HTTP GET %s: %w", target, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP GET %s: status %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", target, err)
	}

	return body, nil
}

// DirSource reads map files from a local directory
type DirSource struct {
	dir string
}

// NewDirSource creates a source for dir
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// List returns the regular files in the directory, sorted by name
func (s *DirSource) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list maps in %s: %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Fetch reads one file. Names may not leave the directory.
func (s *DirSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("fetch map: invalid name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("fetch map %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch map %s: %w", name, err)
	}
	return data, nil
}

// NewSource picks an HTTPSource for http(s) URLs and a DirSource otherwise
func NewSource(location string, opts ...FetchOption) (Source, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewHTTPSource(location, opts...)
	}
	if location == "" {
		location = "."
	}
	return NewDirSource(location), nil
}

// LoadMap fetches a raster and its metadata from src and assembles them.
// A fetch failure of the metadata file is not fatal: defaults are used.
func LoadMap(ctx context.Context, src Source, a *Assembler, rasterName, metaName string) (*OccupancyMap, error) {
	rasterBytes, err := src.Fetch(ctx, rasterName)
	if err != nil {
		return nil, err
	}
	var metaBytes []byte
	if metaName != "" {
		metaBytes, err = src.Fetch(ctx, metaName)
		if err != nil {
			a.logger.Warn("metadata unavailable, using defaults", "name", metaName, "err", err)
			metaBytes = nil
		}
	}
	return a.Assemble(rasterBytes, metaBytes), nil
}
