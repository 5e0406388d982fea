// Package config layers configuration providers over a map of defaults.
// Selectors are objx dot paths such as "catalog.ttl"; later providers win.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/objx"
)

type (
	Map   = objx.Map
	Value = objx.Value
)

// NewMap wraps vals for selector access.
func NewMap(vals map[string]interface{}) Map {
	return objx.New(vals)
}

type Config struct {
	defaults  Map
	providers []ConfigProvider
}

// NewConfig returns a new config.
func NewConfig(defaults map[string]interface{}, providers ...ConfigProvider) *Config {
	if defaults == nil {
		defaults = make(map[string]interface{})
	}
	return &Config{
		defaults:  objx.New(defaults),
		providers: providers,
	}
}

// AddProvider appends p with the highest precedence.
func (c *Config) AddProvider(p ConfigProvider) {
	c.providers = append(c.providers, p)
}

// Get returns the value of selector from the last provider holding it, or
// from the defaults.
func (c *Config) Get(selector string) (val *Value, ok bool) {
	for i := len(c.providers) - 1; i >= 0; i-- {
		if val, ok = c.providers[i].LookupPath(selector); ok {
			return val, true
		}
	}

	val = c.defaults.Get(selector)
	return val, !val.IsNil()
}

// Has reports whether selector is set anywhere.
func (c *Config) Has(selector string) bool {
	_, ok := c.Get(selector)
	return ok
}

// Set writes selector into the provider with the highest precedence.
func (c *Config) Set(selector string, val interface{}) (old interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("set %s: %v", selector, r)
		}
	}()

	if len(c.providers) == 0 {
		old = c.defaults.Get(selector).Data()
		c.defaults.Set(selector, val)
		return old, nil
	}
	return c.providers[len(c.providers)-1].Set(selector, val)
}

// DefaultsUpdate merges vals into the defaults.
func (c *Config) DefaultsUpdate(vals map[string]interface{}) Map {
	return c.defaults.MergeHere(objx.New(vals))
}

// All merges defaults and every provider, later ones winning.
func (c *Config) All() Map {
	m := c.defaults.Copy()
	for _, p := range c.providers {
		m = m.MergeHere(p.Data())
	}
	return m
}

func (c *Config) Str(selector string) string {
	val, ok := c.Get(selector)
	if !ok {
		return ""
	}
	return val.String()
}

func (c *Config) Int(selector string) int {
	return int(c.Int64(selector))
}

// Int64 accepts any numeric value or a decimal string.
func (c *Config) Int64(selector string) int64 {
	val, ok := c.Get(selector)
	if !ok {
		return 0
	}

	switch x := val.Data().(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return int64(x)
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func (c *Config) Bool(selector string) bool {
	val, ok := c.Get(selector)
	if !ok {
		return false
	}

	switch x := val.Data().(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	default:
		return false
	}
}

// Duration accepts a Go duration string or integer nanoseconds.
func (c *Config) Duration(selector string) time.Duration {
	d, _ := c.ParseDuration(selector)
	return d
}

// ParseDuration is Duration with the parse error.
func (c *Config) ParseDuration(selector string) (time.Duration, error) {
	val, ok := c.Get(selector)
	if !ok {
		return 0, nil
	}

	switch x := val.Data().(type) {
	case time.Duration:
		return x, nil
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, errors.Wrapf(err, "config %s", selector)
		}
		return d, nil
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return time.Duration(c.Int64(selector)), nil
	default:
		return 0, errors.Errorf("config %s: %T is not a duration", selector, x)
	}
}

func (c *Config) StringSlice(selector string) []string {
	val, ok := c.Get(selector)
	if !ok {
		return nil
	}
	if val.IsStrSlice() {
		return val.StrSlice()
	}

	var out []string
	for _, x := range val.InterSlice() {
		out = append(out, fmt.Sprint(x))
	}
	return out
}

// Map returns the map value of the given selector.
func (c *Config) Map(selector string) map[string]interface{} {
	val, ok := c.Get(selector)
	if !ok {
		return nil
	}
	return map[string]interface{}(val.ObjxMap())
}
