package domain

import "time"

// LogoutBroadcast is the payload published to the session topic exchange
// when any app surface logs the subject out. Agents drop their own echoes
// by AgentID.
type LogoutBroadcast struct {
	EventID   string    `json:"event_id"`
	AgentID   string    `json:"agent_id"`
	SubjectID string    `json:"subject_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}
