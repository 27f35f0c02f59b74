package models

import (
	"time"

	"gorm.io/datatypes"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionError     = "error"
)

// Conversation statuses.
const (
	ConversationActive    = "active"
	ConversationCompleted = "completed"
	ConversationHandover  = "handover"
)

// Message types.
const (
	MessageUser   = "user"
	MessageBot    = "bot"
	MessageSystem = "system"
)

// User types.
const (
	UserTypeNew       = "new"
	UserTypeReturning = "returning"
)

// User is a distinct visitor or device. Rows are never deleted.
type User struct {
	UserID             string    `gorm:"primaryKey;size:64" json:"user_id"`
	FirstSeenAt        time.Time `json:"first_seen_at"`
	LastActiveAt       time.Time `gorm:"index" json:"last_active_at"`
	LastPageURL        string    `gorm:"size:1024" json:"last_page_url"`
	TotalSessions      int       `json:"total_sessions"`
	TotalMessages      int       `json:"total_messages"`
	TotalDuration      int64     `json:"total_duration"` // seconds
	TotalConversations int       `json:"total_conversations"`
	IsActive           bool      `json:"is_active"`
	UserType           string    `gorm:"size:16" json:"user_type"` // new, returning
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Session is one connection lifetime.
type Session struct {
	SessionID    string     `gorm:"primaryKey;size:64" json:"session_id"`
	UserID       string     `gorm:"index;size:64" json:"user_id"`
	StartTime    time.Time  `gorm:"index" json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Duration     int64      `json:"duration"` // seconds
	PageURL      string     `gorm:"size:1024" json:"page_url"`
	ClientInfo   string     `gorm:"size:512" json:"client_info"`
	MessageCount int        `json:"message_count"`
	Status       string     `gorm:"index;size:16" json:"status"` // active, completed, error
}

// Conversation is the logical Q&A thread of a session.
type Conversation struct {
	ConversationID string     `gorm:"primaryKey;size:64" json:"conversation_id"`
	SessionID      string     `gorm:"index;size:64" json:"session_id"`
	UserID         string     `gorm:"index;size:64" json:"user_id"`
	StartTime      time.Time  `gorm:"index" json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Duration       int64      `json:"duration"`                    // seconds
	Status         string     `gorm:"index;size:16" json:"status"` // active, completed, handover
}

// Message is one append-only turn. MessageID is a ULID so ids sort by time.
type Message struct {
	MessageID      string    `gorm:"primaryKey;size:32" json:"message_id"`
	ConversationID string    `gorm:"index;size:64" json:"conversation_id"`
	UserID         string    `gorm:"index;size:64" json:"user_id"`
	MessageType    string    `gorm:"index;size:16" json:"message_type"` // user, bot, system
	Content        string    `gorm:"type:text" json:"content"`
	LatencyMs      int64     `json:"latency_ms,omitempty"`
	Timestamp      time.Time `gorm:"column:sent_at;index" json:"timestamp"`
}

// Lead is an appointment or contact capture from the widget.
type Lead struct {
	LeadID     string    `gorm:"primaryKey;size:64" json:"lead_id"`
	LeadType   string    `gorm:"index;size:32" json:"lead_type"`
	Name       string    `gorm:"size:255" json:"name"`
	Phone      string    `gorm:"size:64" json:"phone"`
	Email      string    `gorm:"size:255" json:"email"`
	Department string    `gorm:"size:255" json:"department"`
	Notes      string    `gorm:"type:text" json:"notes"`
	UserID     string    `gorm:"index;size:64" json:"user_id"`
	SessionID  string    `gorm:"index;size:64" json:"session_id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// HandoverRequest asks for a human to take over the conversation.
type HandoverRequest struct {
	HandoverID    string         `gorm:"primaryKey;size:64" json:"handover_id"`
	UserID        string         `gorm:"index;size:64" json:"user_id"`
	SessionID     string         `gorm:"index;size:64" json:"session_id"`
	RequestedAt   time.Time      `gorm:"index" json:"requested_at"`
	Method        string         `gorm:"size:32" json:"method"`
	Issues        datatypes.JSON `json:"issues"`
	OtherText     string         `gorm:"type:text" json:"other_text"`
	SupportOption string         `gorm:"size:64" json:"support_option"`
	LastMessage   string         `gorm:"type:text" json:"last_message"`
	Status        string         `gorm:"size:16" json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ChatbotCloseEvent records the widget being closed by the visitor.
type ChatbotCloseEvent struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UserID           string    `gorm:"index;size:64" json:"user_id"`
	SessionID        string    `gorm:"index;size:64" json:"session_id"`
	ClosedAt         time.Time `json:"closed_at"`
	TimeSpentSeconds int64     `json:"time_spent_seconds"`
	LastUserMessage  string    `gorm:"type:text" json:"last_user_message"`
	LastBotMessage   string    `gorm:"type:text" json:"last_bot_message"`
}

// KnowledgeDoc is one ingested chunk of the hospital knowledge base.
type KnowledgeDoc struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Source     string    `gorm:"index;size:255" json:"source"`
	Title      string    `gorm:"size:255" json:"title"`
	Content    string    `gorm:"type:text" json:"content"`
	Category   string    `gorm:"size:128" json:"category"`
	Tags       string    `gorm:"size:512" json:"tags"`
	SourceFile string    `gorm:"index;size:255" json:"source_file"`
	RowIndex   int       `json:"row_index"`
	ChunkIndex int       `json:"chunk_index"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// All lists every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Session{},
		&Conversation{},
		&Message{},
		&Lead{},
		&HandoverRequest{},
		&ChatbotCloseEvent{},
		&KnowledgeDoc{},
	}
}
