package client

import (
	"fmt"

	"github.com/loykin/portpilot"
)

// Selector picks one server: by ID, or by workspace and desired port.
type Selector struct {
	ID        string
	Workspace string
	Port      int
}

// StopResult is the daemon's answer to stop and free requests.
type StopResult struct {
	OK      bool                 `json:"ok"`
	Report  portpilot.StopReport `json:"report"`
	Warning string               `json:"warning,omitempty"`
}

// ErrorResponse represents an API error response. Start and restart
// failures carry the start error's kind and details.
type ErrorResponse struct {
	Error        string `json:"error"`
	Kind         string `json:"kind,omitempty"`
	Alternatives []int  `json:"alternatives,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
}

// APIError is returned for any non-200 response.
type APIError struct {
	Status int
	ErrorResponse
}

func (e *APIError) Error() string {
	if e.ErrorResponse.Error == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return "API error: " + e.ErrorResponse.Error
}

// Busy reports whether the daemon refused a start because the server already runs.
func (e *APIError) Busy() bool { return e.Kind == "busy" }
