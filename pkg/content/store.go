package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mwantia/docsync/pkg/index"
	"github.com/mwantia/docsync/pkg/log"
	"github.com/mwantia/docsync/pkg/remote"
)

// DefaultMemoSize bounds the number of memoized lookups.
const DefaultMemoSize = 600

// ErrNotFound is returned when a blob is neither cached nor available
// remotely, and for cache-only reads that miss.
var ErrNotFound = errors.New("blob not found")

// The service answers unknown hashes with this body instead of a 404.
var invalidHashBody = []byte(`{"message":"invalid hash"}`)

// ReadOptions controls how a single read is resolved.
type ReadOptions struct {
	// Binary skips opportunistic JSON decoding in ReadValue.
	Binary bool
	// UseCache consults the local cache before the network.
	UseCache bool
	// EnforceCache forbids network access; a cache miss yields ErrNotFound.
	EnforceCache bool
}

// DefaultReadOptions reads through the cache.
var DefaultReadOptions = ReadOptions{UseCache: true}

type Config struct {
	// CacheDir mirrors blob keys 1:1 to files. Empty disables caching.
	CacheDir string
	MemoSize int
}

type memoEntry struct {
	data   []byte
	exists bool
}

// Store is a read-through cache over the remote blob service. It is safe for
// concurrent use.
type Store struct {
	endpoint *remote.Endpoint
	heads    *http.Client
	cacheDir string
	memo     *lru.Cache[string, memoEntry]
	log      log.LoggerService
}

func NewStore(endpoint *remote.Endpoint, cfg Config, logger log.LoggerService) (*Store, error) {
	size := cfg.MemoSize
	if size <= 0 {
		size = DefaultMemoSize
	}

	memo, err := lru.New[string, memoEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create memo cache: %w", err)
	}

	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	// Existence checks must see redirects instead of following them.
	heads := *endpoint.HTTPClient()
	heads.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Store{
		endpoint: endpoint,
		heads:    &heads,
		cacheDir: cfg.CacheDir,
		memo:     memo,
		log:      logger,
	}, nil
}

// Read returns the raw bytes stored under key. The returned slice may be
// shared with the memo and must not be modified.
func (s *Store) Read(ctx context.Context, key string, opts ReadOptions) ([]byte, error) {
	memoKey := fmt.Sprintf("GET|%s|%t|%t|%t", key, opts.Binary, opts.UseCache, opts.EnforceCache)
	if entry, ok := s.memo.Get(memoKey); ok {
		return entry.data, nil
	}

	location, err := s.location(key)
	if err != nil {
		return nil, err
	}

	if opts.UseCache && location != "" {
		data, err := os.ReadFile(location)
		if err == nil {
			s.memo.Add(memoKey, memoEntry{data: data, exists: true})
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read cache entry '%s': %w", key, err)
		}
	}

	if opts.EnforceCache {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}

	data, err := s.fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	if location != "" {
		if err := writeFileAtomic(location, data, 0644); err != nil {
			s.log.Warn("Unable to cache '%s': %v", key, err)
		}
	}

	s.memo.Add(memoKey, memoEntry{data: data, exists: true})
	return data, nil
}

// ReadValue reads key and decodes it as JSON when possible. It returns the
// decoded value, the text when the body is not JSON, or the raw bytes when
// opts.Binary is set.
func (s *Store) ReadValue(ctx context.Context, key string, opts ReadOptions) (any, error) {
	data, err := s.Read(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	if opts.Binary {
		return data, nil
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return string(data), nil
	}
	return value, nil
}

// ReadJSON reads key through the cache and decodes it into v.
func (s *Store) ReadJSON(ctx context.Context, key string, v any) error {
	data, err := s.Read(ctx, key, DefaultReadOptions)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode '%s': %w", key, err)
	}
	return nil
}

// ReadIndex reads key through the cache and decodes it as an index file.
func (s *Store) ReadIndex(ctx context.Context, key string) (*index.Index, error) {
	data, err := s.Read(ctx, key, DefaultReadOptions)
	if err != nil {
		return nil, err
	}

	idx, err := index.Decode(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode index '%s': %w", key, err)
	}
	return idx, nil
}

// Exists reports whether key is available, without downloading it.
func (s *Store) Exists(ctx context.Context, key string, useCache bool) (bool, error) {
	memoKey := fmt.Sprintf("HEAD|%s|%t", key, useCache)
	if entry, ok := s.memo.Get(memoKey); ok {
		return entry.exists, nil
	}

	location, err := s.location(key)
	if err != nil {
		return false, err
	}

	if useCache && location != "" {
		if _, err := os.Stat(location); err == nil {
			s.memo.Add(memoKey, memoEntry{exists: true})
			return true, nil
		}
	}

	exists, err := s.head(ctx, key)
	if err != nil {
		return false, err
	}

	s.memo.Add(memoKey, memoEntry{exists: exists})
	return exists, nil
}

// Cache stores data under key in the local cache. Used after uploads so the
// freshly written blob does not need to be fetched back.
func (s *Store) Cache(key string, data []byte) error {
	location, err := s.location(key)
	if err != nil || location == "" {
		return err
	}
	return writeFileAtomic(location, data, 0644)
}

func (s *Store) fetch(ctx context.Context, key string) ([]byte, error) {
	target := s.endpoint.FilesURL(key)

	req, err := s.endpoint.NewRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	s.log.Debug("Fetching '%s'", key)

	resp, err := remote.Do(s.endpoint.HTTPClient(), req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}

	if bytes.Equal(bytes.TrimSpace(resp.Body), invalidHashBody) || resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err := remote.CheckStatus(http.MethodGet, target, resp); err != nil {
		return nil, err
	}

	return resp.Body, nil
}

func (s *Store) head(ctx context.Context, key string) (bool, error) {
	target := s.endpoint.FilesURL(key)

	status, err := s.statusOf(ctx, http.MethodHead, target)
	if err != nil {
		return false, err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		status, err = s.statusOf(ctx, http.MethodGet, target)
		if err != nil {
			return false, err
		}
	}

	switch status {
	case http.StatusOK, http.StatusFound:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	case http.StatusBadRequest:
		return false, fmt.Errorf("HEAD %s: %w", target, remote.ErrIncompatibleProtocol)
	default:
		return false, &remote.StatusError{Method: http.MethodHead, URL: target, StatusCode: status}
	}
}

// statusOf issues a request and discards the body unread.
func (s *Store) statusOf(ctx context.Context, method, target string) (int, error) {
	req, err := s.endpoint.NewRequest(ctx, method, target, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.heads.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, target, err)
	}
	resp.Body.Close()

	return resp.StatusCode, nil
}

func (s *Store) location(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || filepath.IsAbs(key) {
		return "", fmt.Errorf("invalid blob key '%s'", key)
	}
	if s.cacheDir == "" {
		return "", nil
	}
	return filepath.Join(s.cacheDir, filepath.FromSlash(key)), nil
}
