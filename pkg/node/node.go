// Package node defines the workflow node model and the admission path
// that validates and normalizes node definitions before they can enter a
// session. Admission fails closed: nothing is admitted unless its type is
// on the externally supplied whitelist.
package node

import (
	"time"
)

// Node is one step of a workflow definition.
type Node struct {
	// ID is the unique node identifier.
	ID string `json:"id"`
	// Type is the declared node type; always whitelisted after admission.
	Type string `json:"type"`
	// Name is the display name.
	Name string `json:"name"`
	// Parameters holds the free-form node configuration.
	Parameters map[string]any `json:"parameters"`
	// Position is the node's position in the workflow layout.
	Position int `json:"position"`
	// Version is the node's version tag.
	Version string `json:"version"`
}

// Partial is a caller-supplied node definition before admission. Any of
// its fields may be missing or hostile; Sanitize is the only path from a
// Partial to a Node.
type Partial struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	Name       string         `json:"name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Position   *int           `json:"position,omitempty"`
	Version    string         `json:"version,omitempty"`
}

// Clone returns a deep copy of the node list. Sessions hand out clones so
// callers can never mutate admitted state in place.
func Clone(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n
		out[i].Parameters = cloneParams(n.Parameters)
	}
	return out
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneParams(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case time.Time:
		return val
	default:
		return val
	}
}
