package network

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/repositories/providers"
)

type fileStore struct {
	path string
}

// NewFileStore keeps the allocation table as a JSON object in path,
// replaced atomically on every save.
func NewFileStore(path string) AllocationStore {
	return &fileStore{path: path}
}

func (f *fileStore) Load() (map[string]string, error) {
	data, err := ioutil.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read allocation table")
	}

	table := make(map[string]string)
	if len(data) == 0 {
		return table, nil
	}
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, errors.Wrapf(err, "corrupt allocation table %s", f.path)
	}
	return table, nil
}

func (f *fileStore) Save(allocations map[string]string) error {
	data, err := json.MarshalIndent(allocations, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return errors.Wrap(err, "failed to create state dir")
	}

	tmp := f.path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "failed to write allocation table")
	}
	return errors.Wrap(os.Rename(tmp, f.path), "failed to replace allocation table")
}

const allocationsKey = "network/allocations"

type kvStore struct {
	kv providers.KVProvider
}

// NewKVStore keeps the allocation table under one key of kv.
func NewKVStore(kv providers.KVProvider) AllocationStore {
	return &kvStore{kv: kv}
}

func (s *kvStore) Load() (map[string]string, error) {
	data, err := s.kv.Get(allocationsKey)
	if err != nil {
		return nil, err
	}

	table := make(map[string]string)
	if data == nil {
		return table, nil
	}
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, errors.Wrap(err, "corrupt allocation table in kv store")
	}
	return table, nil
}

func (s *kvStore) Save(allocations map[string]string) error {
	data, err := json.Marshal(allocations)
	if err != nil {
		return err
	}
	return s.kv.Put(allocationsKey, data)
}
