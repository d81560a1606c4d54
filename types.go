package kensa

// ModelRequest is one prompt sent to a ModelCaller.
type ModelRequest struct {
	Model           string
	System          string
	Prompt          string
	Temperature     *float64
	MaxOutputTokens int
}

// ModelResponse is a ModelCaller's answer. UsedModel may differ from the
// requested model when the backend resolves aliases; empty means the same.
type ModelResponse struct {
	Text         string
	UsedModel    string
	InputTokens  int64
	OutputTokens int64
}
