// Package viper adapts a *viper.Viper to config.ConfigProvider.
package viper

import (
	"sync"

	"github.com/hysios/catalog/config"
	"github.com/spf13/viper"
)

type ViperProvider struct {
	v *viper.Viper

	mu   sync.Mutex
	vals config.Map
}

// NewViperProvider snapshots v's settings on first use.
func NewViperProvider(v *viper.Viper) *ViperProvider {
	return &ViperProvider{v: v}
}

// Load reads path (any format viper understands) into a new provider.
func Load(path string) (*ViperProvider, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return NewViperProvider(v), nil
}

func (vp *ViperProvider) values() config.Map {
	if vp.vals == nil {
		vp.vals = config.NewMap(vp.v.AllSettings())
	}
	return vp.vals
}

// Refresh drops the snapshot so the next lookup sees viper's current state.
func (vp *ViperProvider) Refresh() {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	vp.vals = nil
}

func (vp *ViperProvider) LookupPath(selector string) (val *config.Value, ok bool) {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	val = vp.values().Get(selector)
	return val, !val.IsNil()
}

// Set changes the snapshot only; the viper instance is left alone.
func (vp *ViperProvider) Set(selector string, value interface{}) (old interface{}, err error) {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	vals := vp.values()
	old = vals.Get(selector).Data()
	vals.Set(selector, value)
	return old, nil
}

func (vp *ViperProvider) Update(vals map[string]interface{}) config.Map {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	vp.vals = vp.values().MergeHere(config.NewMap(vals))
	return vp.vals
}

func (vp *ViperProvider) Data() config.Map {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return vp.values()
}
