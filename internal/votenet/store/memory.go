package store

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. One instance can back several nodes in the
// same process, which is how the multi-node tests run a full cluster without
// an external store.
type Memory struct {
	mu      sync.RWMutex
	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]bool
	expiry  map[string]time.Time

	subMu sync.RWMutex
	subs  map[*memorySubscription]bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]bool),
		expiry:  make(map[string]time.Time),
		subs:    make(map[*memorySubscription]bool),
	}
}

// expired reports and reaps a dead key. Callers hold the write lock.
func (m *Memory) expired(key string) bool {
	at, ok := m.expiry[key]
	if !ok || time.Now().Before(at) {
		return false
	}
	m.removeKey(key)
	return true
}

func (m *Memory) removeKey(key string) {
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.expiry, key)
}

func (m *Memory) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", ErrKeyNotFound
	}
	val, ok := m.strings[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return val, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	m.setTTL(key, ttl)
	return nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.expired(key) {
		if _, exists := m.strings[key]; exists {
			return false, nil
		}
	}
	m.strings[key] = value
	m.setTTL(key, ttl)
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	if val, ok := m.strings[key]; ok && val == expected {
		m.removeKey(key)
		return true, nil
	}
	return false, nil
}

func (m *Memory) CompareAndExpire(_ context.Context, key, expected string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	if val, ok := m.strings[key]; ok && val == expected {
		m.setTTL(key, ttl)
		return true, nil
	}
	return false, nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	n, _ := strconv.ParseInt(m.strings[key], 10, 64)
	n++
	m.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) SAdd(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]bool)
	}
	added := !m.sets[key][member]
	m.sets[key][member] = true
	return added, nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	return m.sets[key][member], nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, nil
	}
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	for k, v := range fields {
		m.hashes[key][k] = v
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil
	}
	m.setTTL(key, ttl)
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.removeKey(key)
	}
	return nil
}

func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.strings {
		if !m.expired(key) && re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	for key := range m.hashes {
		if !m.expired(key) && re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	for key := range m.sets {
		if !m.expired(key) && re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	return regexp.Compile("^" + escaped + "$")
}

type memorySubscription struct {
	owner    *Memory
	channels map[string]bool
	out      chan Message
	once     sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.owner.subMu.Lock()
		delete(s.owner.subs, s)
		s.owner.subMu.Unlock()
		close(s.out)
	})
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for sub := range m.subs {
		if !sub.channels[channel] {
			continue
		}
		select {
		case sub.out <- Message{Channel: channel, Payload: payload}:
		default:
			// Slow subscriber; the bus is best-effort at-most-once.
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		owner:    m,
		channels: make(map[string]bool, len(channels)),
		out:      make(chan Message, 256),
	}
	for _, ch := range channels {
		sub.channels[ch] = true
	}
	m.subMu.Lock()
	m.subs[sub] = true
	m.subMu.Unlock()
	return sub, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Info(context.Context) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for key := range m.strings {
		seen[key] = true
	}
	for key := range m.hashes {
		seen[key] = true
	}
	for key := range m.sets {
		seen[key] = true
	}
	return Info{State: "ok", Members: 1, Size: int64(len(seen))}, nil
}

func (m *Memory) Close() error { return nil }
