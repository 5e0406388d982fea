package config

// ConfigProvider is one configuration source.
type ConfigProvider interface {
	LookupPath(selector string) (val *Value, ok bool)
	Set(selector string, val interface{}) (old interface{}, err error)
	Update(vals map[string]interface{}) Map
	Data() Map
}
