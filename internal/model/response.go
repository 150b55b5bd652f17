package model

// Envelope is the uniform response body of every API endpoint.
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ListData wraps list results with pagination metadata.
type ListData struct {
	Resource any `json:"resource"`
	Count    int `json:"count"`
	Limit    int `json:"limit"`
	Offset   int `json:"offset"`
}
