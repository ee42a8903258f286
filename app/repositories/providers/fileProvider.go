package providers

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type fileProvider struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// NewFileProvider keeps every key in one JSON document at path, loaded once
// and replaced atomically on every write.
func NewFileProvider(path string) (KVProvider, error) {
	p := &fileProvider{
		path: path,
		data: make(map[string]string),
	}

	raw, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p.data); err != nil {
			return nil, errors.Wrapf(err, "corrupt state file %s", path)
		}
	}
	return p, nil
}

func (p *fileProvider) save() error {
	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return errors.Wrap(err, "failed to create state dir")
	}

	tmp := p.path + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0600); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, p.path), "failed to replace %s", p.path)
}

func (p *fileProvider) Put(key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, had := p.data[key]
	p.data[key] = string(value)
	if err := p.save(); err != nil {
		if had {
			p.data[key] = prev
		} else {
			delete(p.data, key)
		}
		return err
	}
	return nil
}

func (p *fileProvider) PutIfAbsent(key string, value []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.data[key]; ok {
		return false, nil
	}
	p.data[key] = string(value)
	if err := p.save(); err != nil {
		delete(p.data, key)
		return false, err
	}
	return true, nil
}

func (p *fileProvider) Get(key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.data[key]
	if !ok {
		return nil, nil
	}
	return []byte(v), nil
}

func (p *fileProvider) List(prefix string) (map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]byte)
	for k, v := range p.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = []byte(v)
		}
	}
	return out, nil
}

func (p *fileProvider) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok := p.data[key]
	if !ok {
		return nil
	}
	delete(p.data, key)
	if err := p.save(); err != nil {
		p.data[key] = prev
		return err
	}
	return nil
}
