package orchestrator

import (
	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/session"
)

// Event is one line of the NDJSON stream. Exactly one shape is set:
// status, content, completion, or error. The channel the orchestrator
// writes to is always closed after a terminal event.
type Event struct {
	Status  string `json:"status,omitempty"`
	Content string `json:"content,omitempty"`

	Complete bool                  `json:"complete,omitempty"`
	Answer   string                `json:"answer,omitempty"`
	Sources  []docs.Source         `json:"sources,omitempty"`
	Metadata *session.TurnMetadata `json:"metadata,omitempty"`

	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Result is the whole-mode response.
type Result struct {
	Answer   string                `json:"answer"`
	Sources  []docs.Source         `json:"sources"`
	Metadata *session.TurnMetadata `json:"metadata"`
}

// Request is one chat turn.
type Request struct {
	SessionID    string
	Query        string
	DocIDs       []string
	ResetContext bool
}
