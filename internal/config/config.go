// Package config loads the declarative resource configuration and watches it
// for changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pkt.systems/xatm/internal/message"
)

// File is the on-disk layout of a resource configuration.
//
//	resources:
//	  - id: 1
//	    key: db
//	    name: orders
//	    openinfo: "dsn=postgres://orders"
//	    instances: 2
type File struct {
	Resources []message.ResourceConfig `yaml:"resources"`
}

// Load reads and validates the resource configuration at path.
func Load(path string) ([]message.ResourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	resources, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return resources, nil
}

// Parse decodes and validates a resource configuration document. Unknown keys
// are rejected.
func Parse(data []byte) ([]message.ResourceConfig, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	for i := range file.Resources {
		file.Resources[i].Key = strings.TrimSpace(file.Resources[i].Key)
		file.Resources[i].Name = strings.TrimSpace(file.Resources[i].Name)
	}
	if err := Validate(file.Resources); err != nil {
		return nil, err
	}
	return file.Resources, nil
}

// Validate checks ids, keys and instance counts.
func Validate(resources []message.ResourceConfig) error {
	ids := make(map[int]string, len(resources))
	keys := make(map[string]int, len(resources))
	var errs []error
	for i, rc := range resources {
		label := fmt.Sprintf("resources[%d]", i)
		if rc.Key != "" {
			label = fmt.Sprintf("resource %q", rc.Key)
		}
		if rc.ID <= 0 {
			errs = append(errs, fmt.Errorf("%s: id must be positive, got %d", label, rc.ID))
		} else if other, dup := ids[int(rc.ID)]; dup {
			errs = append(errs, fmt.Errorf("%s: id %d already used by %q", label, rc.ID, other))
		} else {
			ids[int(rc.ID)] = rc.Key
		}
		if rc.Key == "" {
			errs = append(errs, fmt.Errorf("%s: key is required", label))
		} else if other, dup := keys[rc.Key]; dup {
			errs = append(errs, fmt.Errorf("%s: key already used by id %d", label, other))
		} else {
			keys[rc.Key] = int(rc.ID)
		}
		if rc.Instances < 0 {
			errs = append(errs, fmt.Errorf("%s: instances must be >= 0, got %d", label, rc.Instances))
		}
	}
	return errors.Join(errs...)
}

// Marshal renders resources in the File layout.
func Marshal(resources []message.ResourceConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(File{Resources: resources}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
