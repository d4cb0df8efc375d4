package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
)

const redacted = "xxxxx"

// Dump renders the effective configuration as YAML with durations in
// time.Duration notation and the store password redacted.
func Dump(c *Config) ([]byte, error) {
	out := tree(reflect.ValueOf(*c))
	if store, ok := out["store"].(map[string]any); ok {
		store["dsn"] = RedactDSN(c.Store.DSN)
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}

	return data, nil
}

// RedactDSN replaces the password of a MySQL DSN. Unparseable DSNs are hidden entirely.
func RedactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	parsed, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return redacted
	}
	if parsed.Passwd != "" {
		parsed.Passwd = redacted
	}

	return parsed.FormatDSN()
}

var durationType = reflect.TypeOf(time.Duration(0))

func tree(v reflect.Value) map[string]any {
	out := make(map[string]any)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if key == "" || key == "-" {
			continue
		}
		out[key] = leaf(v.Field(i))
	}

	return out
}

func leaf(v reflect.Value) any {
	switch {
	case v.Type() == durationType:
		return time.Duration(v.Int()).String()
	case v.Kind() == reflect.Struct:
		return tree(v)
	case v.Kind() == reflect.Map && v.Type().Elem().Kind() == reflect.Struct:
		m := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			m[fmt.Sprint(iter.Key().Interface())] = tree(iter.Value())
		}

		return m
	default:
		return v.Interface()
	}
}
