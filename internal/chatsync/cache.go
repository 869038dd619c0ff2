package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrInvalidCacheDSN = errors.New("invalid cache dsn")

// ConversationCache persists reconciled conversations between sessions,
// keyed by the local identity and the peer.
type ConversationCache interface {
	Load(ctx context.Context, owner, peer string) ([]Message, error)
	Save(ctx context.Context, owner, peer string, msgs []Message) error
}

type CacheBackendFactory func(dsn string) (ConversationCache, error)

var cacheFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CacheBackendFactory
}{
	factories: map[string]CacheBackendFactory{},
}

// RegisterCacheBackendFactory makes BuildCacheFromDSN hand DSNs with the
// given scheme to factory. Registered schemes take precedence over the
// built-in ones.
func RegisterCacheBackendFactory(scheme string, factory CacheBackendFactory) {
	scheme = normalizeCacheScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	cacheFactoryRegistry.mu.Lock()
	defer cacheFactoryRegistry.mu.Unlock()
	cacheFactoryRegistry.factories[scheme] = factory
}

func lookupCacheBackendFactory(scheme string) (CacheBackendFactory, bool) {
	scheme = normalizeCacheScheme(scheme)
	cacheFactoryRegistry.mu.RLock()
	defer cacheFactoryRegistry.mu.RUnlock()
	factory, ok := cacheFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeCacheScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildCacheFromDSN returns nil, nil for an empty DSN. A bare path is a
// JSON file.
func BuildCacheFromDSN(dsn string) (ConversationCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeCacheScheme(parsed.Scheme)
	if factory, ok := lookupCacheBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := cacheDSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileCache(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryCache(), nil
	case "postgres", "postgresql":
		pg, err := NewPostgresCache(dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unsupported cache scheme: %s", scheme)
	}
}

func cacheDSNPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidCacheDSN
	}
	return path, nil
}

func cacheKey(owner, peer string) string {
	return strings.TrimSpace(owner) + "\x00" + strings.TrimSpace(peer)
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

type MemoryCache struct {
	mu    sync.Mutex
	convs map[string][]Message
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{convs: map[string][]Message{}}
}

func (c *MemoryCache) Load(_ context.Context, owner, peer string) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMessages(c.convs[cacheKey(owner, peer)]), nil
}

func (c *MemoryCache) Save(_ context.Context, owner, peer string, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs[cacheKey(owner, peer)] = cloneMessages(msgs)
	return nil
}

// JSONFileCache keeps every conversation in one JSON document,
// owner -> peer -> messages, rewritten atomically on each save.
type JSONFileCache struct {
	Path string
	mu   sync.Mutex
}

type cacheDocument map[string]map[string][]Message

func NewJSONFileCache(path string) *JSONFileCache {
	return &JSONFileCache{Path: strings.TrimSpace(path)}
}

func (c *JSONFileCache) Load(_ context.Context, owner, peer string) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.read()
	if err != nil {
		return nil, err
	}
	return doc[owner][peer], nil
}

func (c *JSONFileCache) Save(_ context.Context, owner, peer string, msgs []Message) error {
	if strings.TrimSpace(c.Path) == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.read()
	if err != nil {
		return err
	}
	if doc[owner] == nil {
		doc[owner] = map[string][]Message{}
	}
	doc[owner][peer] = msgs
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(c.Path, data, 0o600)
}

func (c *JSONFileCache) read() (cacheDocument, error) {
	doc := cacheDocument{}
	if strings.TrimSpace(c.Path) == "" {
		return doc, nil
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode cache %s: %w", c.Path, err)
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
