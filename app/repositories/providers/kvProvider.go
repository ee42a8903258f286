package providers

import (
	"sort"
	"strings"
	"sync"
)

// KVProvider is a flat key/value namespace. Keys are relative to whatever
// prefix the provider was built with.
type KVProvider interface {
	Put(key string, value []byte) error
	// PutIfAbsent writes value only when key does not exist yet and reports
	// whether it did.
	PutIfAbsent(key string, value []byte) (bool, error)
	// Get returns nil without error for a missing key.
	Get(key string) ([]byte, error)
	List(prefix string) (map[string][]byte, error)
	Delete(key string) error
}

type memoryProvider struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryProvider() KVProvider {
	return &memoryProvider{data: make(map[string][]byte)}
}

func (p *memoryProvider) Put(key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = append([]byte(nil), value...)
	return nil
}

func (p *memoryProvider) PutIfAbsent(key string, value []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.data[key]; ok {
		return false, nil
	}
	p.data[key] = append([]byte(nil), value...)
	return true, nil
}

func (p *memoryProvider) Get(key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (p *memoryProvider) List(prefix string) (map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range p.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (p *memoryProvider) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
	return nil
}

// SortedKeys returns the keys of a List result in order.
func SortedKeys(kv map[string][]byte) []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
