package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

// detectFormat goes by extension, then by content: a document starting
// with '{' is JSON, anything else YAML.
func detectFormat(path string, b []byte) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	case ".json":
		return formatJSON
	}
	if t := bytes.TrimSpace(b); len(t) > 0 && t[0] == '{' {
		return formatJSON
	}
	return formatYAML
}

// decode parses a config document. YAML is converted to JSON first so both
// formats go through the same strict decoder: unknown fields and trailing
// documents are errors.
func decode(path string, b []byte) (*Config, error) {
	if detectFormat(path, b) == formatYAML {
		j, err := yamlToJSON(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		b = j
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("trailing data after config object")
		}
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	applyEnv(&cfg)
	return &cfg, nil
}

func yamlToJSON(b []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("yaml: more than one document")
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	v, err := jsonValue(doc, "")
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// jsonValue rewrites YAML mappings into string-keyed maps.
func jsonValue(in any, at string) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			cv, err := jsonValue(v, joinPath(at, k))
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, &FieldError{Path: joinPath(at, fmt.Sprint(k)), Err: errors.New("mapping keys must be strings")}
			}
			cv, err := jsonValue(v, joinPath(at, ks))
			if err != nil {
				return nil, err
			}
			out[ks] = cv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			cv, err := jsonValue(v, fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	default:
		return in, nil
	}
}

func joinPath(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}
