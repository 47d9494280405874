package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

const envPrefix = "NEURON_"

// applyEnv overlays NEURON_-prefixed variables onto cfg. Double underscores
// separate nesting levels; each segment matches a yaml tag with its
// separators stripped, case-insensitively. NEURON_HEARTBEAT__INTERVALMS
// therefore sets heartbeat.interval_ms.
func applyEnv(cfg *Config, environ []string) error {
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		segments := strings.Split(key[len(envPrefix):], "__")
		if err := setField(reflect.ValueOf(cfg).Elem(), segments, value, key); err != nil {
			return err
		}
	}
	return nil
}

func setField(v reflect.Value, segments []string, value, envKey string) error {
	if len(segments) == 0 {
		return assign(v, value, envKey)
	}

	if v.Kind() != reflect.Struct {
		return fmt.Errorf("config: %s: %q does not name a config section", envKey, segments[0])
	}

	want := normalizeSegment(segments[0])
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := yamlName(t.Field(i))
		if tag == "" {
			continue
		}
		if normalizeSegment(tag) == want {
			return setField(v.Field(i), segments[1:], value, envKey)
		}
	}
	return fmt.Errorf("config: %s: unknown field %q", envKey, segments[0])
}

func yamlName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag == "" || tag == "-" {
		return ""
	}
	if comma := strings.IndexByte(tag, ','); comma >= 0 {
		tag = tag[:comma]
	}
	return tag
}

func normalizeSegment(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

func assign(v reflect.Value, value, envKey string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.ToLower(value))
		if err != nil {
			return fmt.Errorf("config: %s: %q is not a boolean", envKey, value)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %q is not an integer", envKey, value)
		}
		v.SetInt(n)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("config: %s: unsupported list type", envKey)
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		v.Set(reflect.ValueOf(out))
	default:
		return fmt.Errorf("config: %s: cannot override %s from the environment", envKey, v.Kind())
	}
	return nil
}
