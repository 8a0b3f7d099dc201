package domain

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles a ChatRecord may contain.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single immutable turn inside a ChatRecord.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model,omitempty"`
}

// ChatRecord is the persisted conversation unit. StorageDate is derived on the
// first save and pins the record to one day shard for its whole lifetime.
type ChatRecord struct {
	ID          string         `json:"id"`
	Messages    []Message      `json:"messages"`
	CreatedAt   time.Time      `json:"createdAt"`
	Metadata    map[string]any `json:"metadata"`
	StorageDate string         `json:"storageDate,omitempty"`
}

// ChatSummary is the projection returned by recent-history listings.
type ChatSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Timestamp    time.Time `json:"timestamp"`
	MessageCount int       `json:"messageCount"`
}
