package prefs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLFile keeps all namespaces in one YAML document and rewrites the file
// whenever a section with writes ends.
type YAMLFile struct {
	path string
	data map[string]map[string]string
}

var _ Backend = (*YAMLFile)(nil)

// OpenYAML loads path. A missing file starts empty.
func OpenYAML(path string) (*YAMLFile, error) {
	f := &YAMLFile{path: path, data: make(map[string]map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	if err := yaml.Unmarshal(data, &f.data); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}
	if f.data == nil {
		f.data = make(map[string]map[string]string)
	}
	return f, nil
}

func (f *YAMLFile) Get(namespace, key string) (string, bool, error) {
	v, ok := f.data[namespace][key]
	return v, ok, nil
}

func (f *YAMLFile) Put(namespace, key, value string) error {
	ns, ok := f.data[namespace]
	if !ok {
		ns = make(map[string]string)
		f.data[namespace] = ns
	}
	ns[key] = value
	return nil
}

func (f *YAMLFile) Remove(namespace, key string) error {
	delete(f.data[namespace], key)
	return nil
}

// Flush writes the document atomically through a temporary file.
func (f *YAMLFile) Flush() error {
	data, err := yaml.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace preferences: %w", err)
	}
	return nil
}

func (f *YAMLFile) Close() error { return nil }
