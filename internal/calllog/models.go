package calllog

import "time"

// Call is one recorded conversation attempt.
type Call struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Outcome    string     `json:"outcome"`
	Transcript string     `json:"transcript,omitempty"`
	Error      string     `json:"error,omitempty"`
}
