package builder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowsmith-dev/flowsmith/pkg/node"
)

// Persister is the remote workflow-persistence collaborator. It receives
// the complete node list after each accepted mutation. A false result,
// like an error, is treated as a failed write.
type Persister interface {
	UpdateWorkflow(ctx context.Context, workflowID string, nodes []node.Node) (bool, error)
}

// ExecuteRequest describes an execution-test invocation.
type ExecuteRequest struct {
	// Mode is always "test" for this subsystem.
	Mode string `json:"mode"`
	// TimeoutMs bounds the remote execution.
	TimeoutMs int `json:"timeoutMs"`
	// Sandbox requests isolated execution.
	Sandbox bool `json:"sandbox"`
}

// Executor is the remote workflow-execution collaborator, invoked to
// validate the most recently admitted node in isolation.
type Executor interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, req ExecuteRequest) (map[string]any, error)
}

// maxResultDataSize caps the serialized data carried in a sanitized
// execution result.
const maxResultDataSize = 8 << 10

// ExecutionResult is the sanitized outcome of an execution test. Anything
// the remote service returned beyond status, data, and error has been
// stripped, and oversized data is dropped.
type ExecutionResult struct {
	Status    string    `json:"status"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// sanitizeExecutionResult reduces a raw collaborator response to the
// fields this subsystem is willing to record.
func sanitizeExecutionResult(raw map[string]any, now time.Time) ExecutionResult {
	result := ExecutionResult{
		Status:    "unknown",
		Timestamp: now,
	}

	if status, ok := raw["status"].(string); ok && status != "" {
		result.Status = status
	}
	if errMsg, ok := raw["error"].(string); ok {
		result.Error = errMsg
	}
	if data, ok := raw["data"]; ok {
		if encoded, err := json.Marshal(data); err == nil && len(encoded) <= maxResultDataSize {
			result.Data = data
		}
	}

	return result
}
