// Package model defines the core data types shared by every component of
// the relay: chats, roles, messages, sessions, long-term memory records,
// and document artifacts (spec §3).
package model

import "time"

// ChatID is an opaque identifier for a chat with a specific remote party
// (1:1 or group). All per-chat state is keyed on it.
type ChatID string

// Role is the principal class of the user driving a turn. It determines
// token budgets and, for the privileged role, memory scope.
type Role string

const (
	RoleGodfather Role = "godfather" // privileged
	RoleClient    Role = "client"    // default
)

// MessageRole is the role of a single chat message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionActive   SessionState = "active"
	SessionExpired  SessionState = "expired"
	SessionArchived SessionState = "archived"
)

// Message is one entry in a Session's append-only log.
//
// Invariants: TokenCount equals the counter's estimate for Content under
// the active model; messages within a session are strictly ordered by
// Timestamp; MessageID is unique within a session.
type Message struct {
	MessageID  string            `json:"message_id"`
	ChatID     ChatID            `json:"chat_id"`
	Role       MessageRole       `json:"role"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	TokenCount uint              `json:"token_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Session is the bounded window of recent conversation for one ChatID.
//
// Invariants: exactly one active Session per ChatID at any instant;
// LastActiveAt is monotonically non-decreasing while active; after
// pruning, the cumulative token_count of remaining messages is at most
// the role budget.
type Session struct {
	SessionID    string       `json:"session_id"`
	ChatID       ChatID       `json:"chat_id"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActiveAt time.Time    `json:"last_active_at"`
	Messages     []Message    `json:"messages"`
	UserRole     Role         `json:"user_role"`
	State        SessionState `json:"state"`
}

// TotalTokens sums the token_count of every message currently held.
func (s *Session) TotalTokens() uint {
	var total uint
	for _, m := range s.Messages {
		total += m.TokenCount
	}
	return total
}

// MemoryScope distinguishes a Memory Record owned by one chat from one
// visible to every chat owned by a privileged principal.
type MemoryScope string

const (
	ScopeChat   MemoryScope = "chat"
	ScopeGlobal MemoryScope = "global"
)

// MemorySource records how a Memory Record came to exist.
type MemorySource string

const (
	SourceSessionTransfer MemorySource = "session_transfer"
	SourceExplicit        MemorySource = "explicit"
	SourceDocument        MemorySource = "document"
)

// MemoryRecord is a durable fact, preference, or conversation summary
// stored in the Long-Term Memory Store (spec §3, §4.2).
//
// Invariants: every record has an embedding from the model declared at
// collection creation; text is stored verbatim; deletion is authoritative.
type MemoryRecord struct {
	MemoryID  string            `json:"memory_id"`
	Text      string            `json:"text"`
	Vector    []float32         `json:"vector"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}

// Owner returns the metadata["owner"] value, or "" if unset.
func (m *MemoryRecord) Owner() string { return m.Metadata["owner"] }

// Scope returns the metadata["scope"] value, or "" if unset.
func (m *MemoryRecord) Scope() string { return m.Metadata["scope"] }

// ScoredMemory pairs a Memory Record with its similarity to a query, as
// returned from Recall.
type ScoredMemory struct {
	Record     MemoryRecord
	Similarity float64
}

// MediaKind is the recognised attachment kind (spec §4.7).
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaPDF   MediaKind = "pdf"
	MediaDOCX  MediaKind = "docx"
)

// DocumentType is the classification assigned to an ingested document.
type DocumentType string

const (
	DocContract         DocumentType = "contract"
	DocReceipt          DocumentType = "receipt"
	DocInvoice          DocumentType = "invoice"
	DocCourtResolution  DocumentType = "court_resolution"
	DocGeneric          DocumentType = "generic"
)

// DocumentQuality grades how usable the extracted text is.
type DocumentQuality string

const (
	QualityGood   DocumentQuality = "good"
	QualityFair   DocumentQuality = "fair"
	QualityPoor   DocumentQuality = "poor"
	QualityFailed DocumentQuality = "failed"
)

// DocumentArtifact is the ephemeral product of ingesting one attachment;
// it lives for a single pipeline turn (spec §3, §4.7).
type DocumentArtifact struct {
	MediaKind      MediaKind
	StoragePath    string
	ExtractedText  string
	DocumentType   DocumentType
	Summary        string
	MetadataFields map[string]string
	Quality        DocumentQuality
	Warnings       []string
}
