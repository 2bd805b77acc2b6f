package api

// ToolDescription is what the model is told about a tool plugin.
// Input maps parameter names to a short description.
type ToolDescription struct {
	Name        string            `json:"toolName"`
	Plugin      string            `json:"pluginName"`
	Description string            `json:"description"`
	Input       map[string]string `json:"input,omitempty"`
	Output      map[string]string `json:"output,omitempty"`
	Usage       []string          `json:"usage,omitempty"`
	Notes       []string          `json:"notes,omitempty"`
}

// ToolResponse is the structured result tool plugins return from Send.
// Success=false or a non-empty Error marks an explicit failure.
type ToolResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK wraps data in a successful ToolResponse.
func OK(data any) *ToolResponse {
	return &ToolResponse{Success: true, Data: data}
}

// Fail builds a failed ToolResponse.
func Fail(msg string) *ToolResponse {
	return &ToolResponse{Success: false, Error: msg}
}
