package schema

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// SchemaID derives a schema file id from a file path: the base name without extension
func SchemaID(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseSchema decodes a JSON schema document
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return &s, nil
}

// LoadSchemaFile reads a schema file and registers it under its schema id
func (v *MessageValidator) LoadSchemaFile(file string) (string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("failed to read schema %s: %w", file, err)
	}

	s, err := ParseSchema(data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", file, err)
	}

	id := SchemaID(file)
	return id, v.RegisterSchema(id, s)
}

// LoadSchemas registers every file in fsys matching pattern and returns their ids
func (v *MessageValidator) LoadSchemas(fsys fs.FS, pattern string) ([]string, error) {
	matches, err := fs.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid schema pattern %q: %w", pattern, err)
	}

	ids := make([]string, 0, len(matches))
	for _, name := range matches {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return ids, fmt.Errorf("failed to read schema %s: %w", name, err)
		}

		s, err := ParseSchema(data)
		if err != nil {
			return ids, fmt.Errorf("%s: %w", name, err)
		}

		id := SchemaID(path.Base(name))
		if err := v.RegisterSchema(id, s); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}
