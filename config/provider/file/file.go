// Package file is a config provider backed by a JSON file.
package file

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/hysios/catalog/config"
	"github.com/pkg/errors"
)

type FileProvider struct {
	path string

	mu   sync.Mutex
	vals config.Map
}

func NewFileProvider(path string) (*FileProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vals := make(map[string]interface{})
	if err = json.NewDecoder(f).Decode(&vals); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}

	return &FileProvider{path: path, vals: config.NewMap(vals)}, nil
}

// MustFileProvider returns a new FileProvider or panics.
func MustFileProvider(path string) *FileProvider {
	f, err := NewFileProvider(path)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *FileProvider) LookupPath(selector string) (val *config.Value, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	val = f.vals.Get(selector)
	return val, !val.IsNil()
}

// Set changes the in-memory values; Save writes them back.
func (f *FileProvider) Set(selector string, val interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.vals.Get(selector).Data()
	f.vals.Set(selector, val)
	return old, nil
}

func (f *FileProvider) Update(vals map[string]interface{}) config.Map {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vals.MergeHere(config.NewMap(vals))
}

func (f *FileProvider) Data() config.Map {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vals
}

// Save writes the current values to the file.
func (f *FileProvider) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := json.MarshalIndent(f.vals, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, b, 0644)
}
