package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// readFile loads a flat settings file keyed by env var name, e.g.
//
//	AUTH_MODE: account
//	ALLOWED_ORIGINS: [https://meet.example.com, https://example.com]
//	ROOM_HISTORY_LIMIT: 500
//
// Lists are joined with commas; nested objects (such as
// AERO_ICE_SERVERS_JSON) are re-encoded as JSON.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config file %s: unsupported extension %q (expected .yaml, .yml, .json or .jsonc)", path, ext)
	}

	out := make(map[string]string, len(raw))
	for key, value := range raw {
		s, err := fileValueString(key, value)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		out[strings.TrimSpace(key)] = s
	}
	return out, nil
}

func fileValueString(key string, value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case []any:
		if key == envICEServersJSON {
			return encodeJSON(key, v)
		}
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := fileValueString(key, item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	case map[string]any:
		return encodeJSON(key, v)
	default:
		return "", fmt.Errorf("%s: unsupported value of type %T", key, value)
	}
}

func encodeJSON(key string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return string(b), nil
}

// layered returns a lookup that prefers the environment and falls back to the
// config file values.
func layered(env func(string) (string, bool), file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}

// configFileFromArgs finds --config before the flag set is parsed, since the
// file supplies the flag defaults.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// FileKeys lists the keys found in a config file, sorted. It is used for the
// startup log line.
func FileKeys(path string) ([]string, error) {
	values, err := readFile(path)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
