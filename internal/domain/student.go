package domain

import "time"

// Student is a learner known to the backend, identified by username.
type Student struct {
	Username   string    `json:"username"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Passage is one knowledge-base entry available to retrieval.
type Passage struct {
	ID        string
	Namespace string
	Label     string
	Text      string
	Embedding []float32
}
