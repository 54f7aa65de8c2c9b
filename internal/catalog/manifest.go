package catalog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// Manifest is the parsed package.yaml of an installed package.
type Manifest struct {
	Family      string            `yaml:"family"`
	Version     string            `yaml:"version"`
	Publisher   string            `yaml:"publisher"`
	AppID       string            `yaml:"app_id"`
	DisplayName string            `yaml:"display_name"`
	Services    map[string]string `yaml:"services"`
	Extensions  []ExtensionSpec   `yaml:"extensions"`
}

// ExtensionSpec declares one extension of a package.
type ExtensionSpec struct {
	Contract     string         `yaml:"contract"`
	ID           string         `yaml:"id"`
	DisplayName  string         `yaml:"display_name"`
	Description  string         `yaml:"description"`
	PublicFolder string         `yaml:"public_folder"`
	Logo         string         `yaml:"logo"`
	Properties   map[string]any `yaml:"properties"`
}

const manifestSchema = `{
  "type": "object",
  "required": ["family", "version", "extensions"],
  "additionalProperties": false,
  "properties": {
    "family": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$"},
    "version": {"type": ["string", "number"]},
    "publisher": {"type": "string"},
    "app_id": {"type": "string", "minLength": 1},
    "display_name": {"type": "string"},
    "services": {
      "type": "object",
      "additionalProperties": {"type": "string", "minLength": 1}
    },
    "extensions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["contract", "id"],
        "additionalProperties": false,
        "properties": {
          "contract": {"type": "string", "minLength": 1},
          "id": {"type": "string", "pattern": "^[^!/\\\\]+$"},
          "display_name": {"type": "string"},
          "description": {"type": "string"},
          "public_folder": {"type": "string"},
          "logo": {"type": "string"},
          "properties": {"type": "object"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func manifestValidator() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchema))
	})
	return compiledSchema, schemaErr
}

// ParseManifest decodes and validates package.yaml content.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidManifest)
	}

	schema, err := manifestValidator()
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(msgs, "; "))
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return &m, nil
}

// properties converts the YAML property map to a PropertySet, turning nested
// maps into nested sets.
func properties(in map[string]any) pkgext.PropertySet {
	if in == nil {
		return nil
	}
	out := make(pkgext.PropertySet, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = properties(nested)
			continue
		}
		out[k] = v
	}
	return out
}
