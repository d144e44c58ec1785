package engine

import "errors"

// ErrPullUnsupported is returned by backends that cannot download models.
var ErrPullUnsupported = errors.New("backend does not support pulling models")

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions carries the sampling parameters of a completion call.
// A zero MaxTokens leaves the limit to the backend.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
