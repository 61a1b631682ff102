package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/flowsmith-dev/flowsmith/pkg/catalog"
)

// Admission limits.
const (
	// MaxNameLength bounds node display names.
	MaxNameLength = 128
	// DefaultVersion is applied when the caller supplies no version tag.
	DefaultVersion = "1.0.0"
)

// ErrRejected is returned when a node definition fails admission.
// Inspect the wrapping error for the specific reason.
var ErrRejected = errors.New("node rejected")

// identityKeys are parameter keys stripped unconditionally. They exist for
// identity/prototype confusion in dynamic runtimes and have no legitimate
// use in a node definition.
var identityKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// Sanitize validates a partial node against the catalog and normalizes it
// into an admitted Node. It fails closed: a missing or non-whitelisted
// type rejects the node before anything else is examined, and no input is
// mutated on any path.
func Sanitize(partial Partial, cat catalog.Catalog) (Node, error) {
	nodeType := strings.TrimSpace(partial.Type)
	if nodeType == "" {
		return Node{}, fmt.Errorf("%w: missing node type", ErrRejected)
	}
	if !cat.Allowed(nodeType) {
		return Node{}, fmt.Errorf("%w: type %q is not whitelisted", ErrRejected, nodeType)
	}

	params := scrubParams(partial.Parameters)

	if schema := cat.Schema(nodeType); schema != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Node{}, fmt.Errorf("%w: encode parameters: %v", ErrRejected, err)
		}
		if result := schema.ValidateJSON(raw); !result.IsValid() {
			return Node{}, fmt.Errorf("%w: parameters failed schema for %q", ErrRejected, nodeType)
		}
	}

	id := strings.TrimSpace(partial.ID)
	if id == "" {
		id = uuid.New().String()
	} else if err := validateID(id); err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	name := scrubString(strings.TrimSpace(partial.Name))
	if name == "" {
		name = nodeType
	}
	if len(name) > MaxNameLength {
		cut := MaxNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}

	position := 0
	if partial.Position != nil && *partial.Position >= 0 {
		position = *partial.Position
	}

	version := scrubString(strings.TrimSpace(partial.Version))
	if version == "" {
		version = DefaultVersion
	}

	if params == nil {
		params = make(map[string]any)
	}

	return Node{
		ID:         id,
		Type:       nodeType,
		Name:       name,
		Parameters: params,
		Position:   position,
		Version:    version,
	}, nil
}

// ValidateType reports whether nodeType is admissible under the catalog.
func ValidateType(nodeType string, cat catalog.Catalog) bool {
	nodeType = strings.TrimSpace(nodeType)
	return nodeType != "" && cat.Allowed(nodeType)
}

// validateID checks a caller-supplied node identifier.
func validateID(id string) error {
	if len(id) > 64 {
		return errors.New("node id too long")
	}
	for _, r := range id {
		ok := r >= 'a' && r <= 'z' ||
			r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' ||
			r == '-' || r == '_'
		if !ok {
			return fmt.Errorf("node id contains invalid character %q", r)
		}
	}
	return nil
}

// scrubParams returns a copy of params with identity-confusion keys
// removed at every nesting level and string values cleaned of control
// characters. Keys are scrubbed before the identity check so a control
// character cannot smuggle a blocked key past it. The input map is never
// modified.
func scrubParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		key := scrubString(k)
		if _, bad := identityKeys[key]; bad {
			continue
		}
		out[key] = scrubValue(v)
	}
	return out
}

func scrubValue(v any) any {
	switch val := v.(type) {
	case string:
		return scrubString(val)
	case map[string]any:
		return scrubParams(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = scrubValue(item)
		}
		return out
	default:
		return val
	}
}

// scrubString removes null bytes and control characters except newline,
// tab, and carriage return.
func scrubString(input string) string {
	var cleaned strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			cleaned.WriteRune(r)
		}
	}
	return cleaned.String()
}
