package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/colsync/colsyncd/internal/model"
)

// Reserved filenames of the remote mirror format.
const (
	CollectionMetaFile = "_collection.yaml"
	FolderMetaFile     = "_folder.yaml"
	ManifestFile       = "_manifest.yaml"
)

// MaxDepth is the folder nesting cap. Exceeding it is a hard failure, never
// a silent truncation.
const MaxDepth = 20

// ValidationError marks a structural violation (malformed UUID, depth
// overflow, missing metadata). It is fatal to the current operation and
// never auto-corrected.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// uuidPattern is the canonical lowercase-hex form. uuid.Parse alone is too
// permissive (it accepts braces and URN prefixes), and path identifiers must
// be byte-stable across installations.
var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func validateID(kind, id string) error {
	if !uuidPattern.MatchString(id) {
		return validationErrorf("invalid %s id %q: not a canonical UUID", kind, id)
	}
	return nil
}

// collectionDoc is the _collection.yaml schema. Field order here is the
// emitted key order.
type collectionDoc struct {
	ID                   string            `yaml:"id"`
	Name                 string            `yaml:"name"`
	Description          string            `yaml:"description,omitempty"`
	Variables            any               `yaml:"variables,omitempty"`
	EnvironmentIDs       []string          `yaml:"environment_ids,omitempty"`
	DefaultEnvironmentID string            `yaml:"default_environment_id,omitempty"`
	EnvironmentHints     map[string]string `yaml:"environment_hints,omitempty"`
}

// folderDoc is the _folder.yaml schema.
type folderDoc struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// manifestItem is one ordered child of a directory level.
type manifestItem struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id"`
}

const (
	manifestTypeFolder  = "folder"
	manifestTypeRequest = "request"
)

// manifestDoc is the _manifest.yaml schema: the single source of truth for
// sibling order, since directory listings have none.
type manifestDoc struct {
	Items []manifestItem `yaml:"items"`
}

// requestDoc is the {requestId}.yaml schema.
type requestDoc struct {
	ID      string             `yaml:"id"`
	Name    string             `yaml:"name"`
	Method  string             `yaml:"method"`
	URL     string             `yaml:"url"`
	Headers []model.Header     `yaml:"headers,omitempty"`
	Params  []model.QueryParam `yaml:"params,omitempty"`
	Body    *model.Body        `yaml:"body,omitempty"`
	Auth    *model.Auth        `yaml:"auth,omitempty"`
	Scripts *model.Scripts     `yaml:"scripts,omitempty"`
}

// marshalDoc emits a document with two-space indent. Struct field order is
// preserved as declared; keys are never alphabetized.
func marshalDoc(v any) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func unmarshalDoc(path, content string, v any) error {
	if err := yaml.Unmarshal([]byte(content), v); err != nil {
		return validationErrorf("malformed document %s: %v", path, err)
	}
	return nil
}

// variablesToYAML converts the opaque JSON variables blob into a value the
// YAML encoder can emit.
func variablesToYAML(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid variables JSON: %w", err)
	}
	return v, nil
}

// variablesFromYAML converts an imported YAML value back to the opaque JSON
// form the store keeps.
func variablesFromYAML(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("variables not representable as JSON: %w", err)
	}
	return data, nil
}

// normalizeYAML rewrites map[any]any trees (which yaml.v3 produces for
// non-string keys) into map[string]any so they survive json.Marshal.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
