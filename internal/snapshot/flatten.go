package snapshot

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Flatten converts a nested document into dotted keys. Sequences use [i]
// suffixes, matching how config servers expose property sources.
func Flatten(doc map[string]any) map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", doc)
	return out
}

func flattenInto(out map[string]string, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 && prefix != "" {
			out[prefix] = ""
			return
		}
		for k, child := range val {
			flattenInto(out, joinKey(prefix, k), child)
		}
	case map[any]any:
		for k, child := range val {
			flattenInto(out, joinKey(prefix, fmt.Sprint(k)), child)
		}
	case []any:
		if len(val) == 0 && prefix != "" {
			out[prefix] = ""
			return
		}
		for i, child := range val {
			flattenInto(out, prefix+"["+strconv.Itoa(i)+"]", child)
		}
	case nil:
		out[prefix] = ""
	case string:
		out[prefix] = val
	default:
		out[prefix] = fmt.Sprint(val)
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// ParseDocument decodes YAML or JSON bytes into a flat map.
func ParseDocument(data []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid config document: %w", err)
	}
	if doc == nil {
		return map[string]string{}, nil
	}
	return Flatten(doc), nil
}

// ParseProperties decodes a Java-style .properties file. Continuation lines
// and unicode escapes are not supported.
func ParseProperties(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		idx := strings.IndexAny(line, "=:")
		if idx <= 0 {
			return nil, fmt.Errorf("properties line %d: missing separator", lineNo)
		}
		out[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseFile picks a parser from the file extension.
func ParseFile(name string, data []byte) (map[string]string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".properties":
		return ParseProperties(data)
	case ".yml", ".yaml", ".json":
		return ParseDocument(data)
	default:
		return nil, fmt.Errorf("unsupported config file type %q", filepath.Ext(name))
	}
}
