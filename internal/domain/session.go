package domain

import "time"

// Record is a timestamped opaque payload kept in a session log.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// ActionRecord is one resolved editor action kept in the action log.
type ActionRecord struct {
	Timestamp  int64  `json:"timestamp"`
	ActionType string `json:"action_type"`
	Block      string `json:"block"`
}

// ScoreRecord is one score update with its derived total.
type ScoreRecord struct {
	Timestamp  time.Time          `json:"timestamp"`
	Components map[string]float64 `json:"components"`
	TotalScore float64            `json:"total_score"`
}

// Transcript is the persisted form of a session's conversation.
// Messages and Timestamps are parallel slices.
type Transcript struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	RunID      string    `json:"run_id"`
	Messages   []Message `json:"messages"`
	Timestamps []string  `json:"timestamps"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RetrievalRecord is appended to the retrieval log once per session.
type RetrievalRecord struct {
	Timestamp     string `json:"timestamp"`
	Username      string `json:"username"`
	RunID         string `json:"run_id"`
	QuerySummary  string `json:"query_summary"`
	DomainContext string `json:"domain_context"`
}
