package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

//go:embed namespaces.schema.json
var namespacesSchema string

const namespacesSchemaURL = "https://helm.schemas.local/assets/namespaces.schema.json"

// NamespacesFile is the YAML document declaring namespaces.
type NamespacesFile struct {
	Namespaces []assets.Namespace `yaml:"namespaces" json:"namespaces"`
}

// DefaultNamespaces is used when no namespaces file is configured: one
// durable namespace covering every path, writable by admins and the
// "writer" role.
func DefaultNamespaces() []assets.Namespace {
	return []assets.Namespace{{
		Name:   "default",
		Prefix: "/",
		Tier:   assets.TierDurable,
		Rule:   `"writer" in caller.roles`,
	}}
}

// LoadNamespaces reads and validates a namespaces file. An empty path yields
// DefaultNamespaces.
func LoadNamespaces(path string) ([]assets.Namespace, error) {
	if path == "" {
		return DefaultNamespaces(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load namespaces %q: %w", path, err)
	}
	list, err := ParseNamespaces(data)
	if err != nil {
		return nil, fmt.Errorf("namespaces %q: %w", path, err)
	}
	return list, nil
}

// ParseNamespaces validates a YAML namespaces document against the embedded
// schema and decodes it.
func ParseNamespaces(data []byte) ([]assets.Namespace, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	var file NamespacesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return file.Namespaces, nil
}

func validateDocument(doc any) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(namespacesSchemaURL, bytes.NewReader([]byte(namespacesSchema))); err != nil {
		return fmt.Errorf("namespaces schema load failed: %w", err)
	}
	schema, err := c.Compile(namespacesSchemaURL)
	if err != nil {
		return fmt.Errorf("namespaces schema compile failed: %w", err)
	}

	// Round-trip through JSON so numbers and maps have the shapes the
	// validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode namespaces: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return fmt.Errorf("decode namespaces: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
