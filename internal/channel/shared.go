package channel

import (
	"strings"
	"sync"
)

type sharedHandle struct {
	ch   *Channel
	refs int
}

var sharedChannels = struct {
	mu      sync.Mutex
	handles map[string]*sharedHandle
}{
	handles: map[string]*sharedHandle{},
}

// Acquire returns the process-wide channel for (URL, Path, Token), creating
// it on first use. Every Acquire must be paired with one call to release;
// the channel is closed when the last holder releases it.
func Acquire(opts Options) (*Channel, func(), error) {
	key := sharedKey(opts)
	sharedChannels.mu.Lock()
	defer sharedChannels.mu.Unlock()
	if handle, ok := sharedChannels.handles[key]; ok {
		handle.refs++
		return handle.ch, releaseFunc(key, handle), nil
	}
	ch, err := New(opts)
	if err != nil {
		return nil, nil, err
	}
	handle := &sharedHandle{ch: ch, refs: 1}
	sharedChannels.handles[key] = handle
	return ch, releaseFunc(key, handle), nil
}

func releaseFunc(key string, handle *sharedHandle) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			sharedChannels.mu.Lock()
			handle.refs--
			last := handle.refs <= 0
			if last && sharedChannels.handles[key] == handle {
				delete(sharedChannels.handles, key)
			}
			sharedChannels.mu.Unlock()
			if last {
				_ = handle.ch.Close()
			}
		})
	}
}

func sharedKey(opts Options) string {
	return strings.Join([]string{
		strings.TrimRight(strings.TrimSpace(opts.URL), "/"),
		strings.TrimSpace(opts.Path),
		strings.TrimSpace(opts.Token),
	}, "|")
}
