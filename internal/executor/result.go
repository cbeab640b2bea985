package executor

import "github.com/hanpama/fedgraph/internal/response"

// ExecutionResult is the outcome of one operation. Data is nil when a null
// propagated to the operation root or when execution could not start.
type ExecutionResult struct {
	Data   map[string]any
	Errors []response.Error
}
