package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapProvider is a ConfigProvider over a plain map.
type mapProvider struct {
	vals Map
}

func (p *mapProvider) LookupPath(selector string) (*Value, bool) {
	val := p.vals.Get(selector)
	return val, !val.IsNil()
}

func (p *mapProvider) Set(selector string, val interface{}) (interface{}, error) {
	old := p.vals.Get(selector).Data()
	p.vals.Set(selector, val)
	return old, nil
}

func (p *mapProvider) Update(vals map[string]interface{}) Map {
	return p.vals.MergeHere(NewMap(vals))
}

func (p *mapProvider) Data() Map { return p.vals }

func newMapProvider(vals map[string]interface{}) *mapProvider {
	return &mapProvider{vals: NewMap(vals)}
}

func TestPrecedence(t *testing.T) {
	cfg := NewConfig(
		map[string]interface{}{"catalog": map[string]interface{}{"ttl": "30s", "namespace": "default"}},
		newMapProvider(map[string]interface{}{"catalog": map[string]interface{}{"namespace": "file"}}),
	)
	cfg.AddProvider(newMapProvider(map[string]interface{}{"catalog": map[string]interface{}{"namespace": "env"}}))

	assert.Equal(t, "env", cfg.Str("catalog.namespace"))
	assert.Equal(t, 30*time.Second, cfg.Duration("catalog.ttl"))
	assert.True(t, cfg.Has("catalog.ttl"))
	assert.False(t, cfg.Has("catalog.missing"))
	assert.Equal(t, "env", cfg.All().Get("catalog.namespace").Str())
}

func TestDuration(t *testing.T) {
	cfg := NewConfig(map[string]interface{}{
		"str":   "250ms",
		"int":   1000,
		"float": float64(2e9),
		"dur":   time.Minute,
		"bad":   "soon",
		"bool":  true,
	})

	tests := []struct {
		selector string
		want     time.Duration
		wantErr  bool
	}{
		{"str", 250 * time.Millisecond, false},
		{"int", time.Microsecond, false},
		{"float", 2 * time.Second, false},
		{"dur", time.Minute, false},
		{"missing", 0, false},
		{"bad", 0, true},
		{"bool", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			got, err := cfg.ParseDuration(tt.selector)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScalars(t *testing.T) {
	cfg := NewConfig(map[string]interface{}{
		"n":      "42",
		"f":      float64(7),
		"on":     "true",
		"yes":    true,
		"labels": []interface{}{"a", 1},
	})

	assert.Equal(t, 42, cfg.Int("n"))
	assert.Equal(t, int64(7), cfg.Int64("f"))
	assert.True(t, cfg.Bool("on"))
	assert.True(t, cfg.Bool("yes"))
	assert.False(t, cfg.Bool("missing"))
	assert.Equal(t, []string{"a", "1"}, cfg.StringSlice("labels"))
}

func TestSet(t *testing.T) {
	cfg := NewConfig(nil)
	old, err := cfg.Set("catalog.namespace", "a")
	require.NoError(t, err)
	assert.Nil(t, old)
	assert.Equal(t, "a", cfg.Str("catalog.namespace"))

	p := newMapProvider(map[string]interface{}{"x": 1})
	cfg = NewConfig(nil, p)
	old, err = cfg.Set("x", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, old)
	assert.Equal(t, 2, cfg.Int("x"))
}
