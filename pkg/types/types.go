package types

import (
	"fmt"
	"strings"
	"time"
)

// Collection names as persisted in the database. One search view and one
// vector index may exist per collection carrying an embedding field.
const (
	CollMessages         = "messages"
	CollMemories         = "memories"
	CollEntities         = "entities"
	CollRelationships    = "relationships"
	CollCommunities      = "communities"
	CollEpisodes         = "episodes"
	CollCompactions      = "compactions"
	CollContradictionLog = "contradiction_log"
	CollEvents           = "events"
)

// MinRationaleLength is the minimum length of a relationship rationale.
const MinRationaleLength = 50

// ReviewThreshold is the confidence below which an edge is held for review.
const ReviewThreshold = 0.7

// EntityDocID returns the full document id of an entity key, as stored in
// relationship _from/_to fields.
func EntityDocID(key string) string {
	return CollEntities + "/" + key
}

// KeyFromDocID strips the collection prefix from a document id. Returns the
// input unchanged when it carries no prefix.
func KeyFromDocID(id string) string {
	if i := strings.IndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Stamp is the bi-temporal triple carried by every document and edge.
// CreatedAt is transaction time and is never mutated after insert. ValidAt
// and InvalidAt bound the interval during which the fact is believed;
// InvalidAt == nil means the fact is still current.
type Stamp struct {
	CreatedAt time.Time  `json:"created_at"`
	ValidAt   time.Time  `json:"valid_at"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`
}

// NewStamp stamps a document at now. A non-zero validAt overrides the
// default of valid-from-creation.
func NewStamp(now time.Time, validAt time.Time) Stamp {
	s := Stamp{CreatedAt: now.UTC(), ValidAt: now.UTC()}
	if !validAt.IsZero() {
		s.ValidAt = validAt.UTC()
	}
	return s
}

// ValidAtTime reports whether the stamped fact was believed at t:
// valid_at <= t and (invalid_at == nil or invalid_at > t).
func (s Stamp) ValidAtTime(t time.Time) bool {
	if s.ValidAt.After(t) {
		return false
	}
	return s.InvalidAt == nil || s.InvalidAt.After(t)
}

// IsCurrent reports whether the fact has not been invalidated.
func (s Stamp) IsCurrent() bool {
	return s.InvalidAt == nil
}

// Validate checks the temporal ordering invariant valid_at <= invalid_at.
func (s Stamp) Validate() error {
	if s.InvalidAt != nil && s.ValidAt.After(*s.InvalidAt) {
		return &InvariantViolationError{
			Invariant: "temporal-order",
			Detail:    fmt.Sprintf("valid_at %s after invalid_at %s", s.ValidAt, *s.InvalidAt),
		}
	}
	return nil
}

// Role identifies the author of a conversational turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is a single conversational turn. Messages are immutable once
// written; compaction or contradiction may end their valid time.
type Message struct {
	Key                string    `json:"_key,omitempty"`
	Role               Role      `json:"role"`
	Content            string    `json:"content"`
	ConversationID     string    `json:"conversation_id"`
	EpisodeID          string    `json:"episode_id,omitempty"`
	Embedding          []float32 `json:"embedding,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	PreviousMessageKey string    `json:"previous_message_key,omitempty"`
	Stamp
}

// Validate checks the fields required before insert.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return &ValidationError{Field: "content", Reason: "cannot be empty"}
	}
	if m.Role != RoleUser && m.Role != RoleAgent {
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", m.Role)}
	}
	if m.ConversationID == "" {
		return &ValidationError{Field: "conversation_id", Reason: "cannot be empty"}
	}
	return nil
}

// Memory is a summarized user/agent exchange derived from one or more
// messages. Memories are what the lexical search view indexes.
type Memory struct {
	Key            string         `json:"_key,omitempty"`
	Content        string         `json:"content"`
	Summary        string         `json:"summary"`
	Embedding      []float32      `json:"embedding,omitempty"`
	ConversationID string         `json:"conversation_id"`
	EpisodeID      string         `json:"episode_id,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Stamp
}

// Entity is a named thing extracted from text, unique within (name, type).
type Entity struct {
	Key         string         `json:"_key,omitempty"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Embedding   []float32      `json:"embedding,omitempty"`
	CommunityID string         `json:"community_id,omitempty"`
	Confidence  float64        `json:"confidence"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks the fields required before insert.
func (e *Entity) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return &ValidationError{Field: "name", Reason: "cannot be empty"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Reason: "cannot be empty"}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}
	return nil
}

// ReviewStatus marks whether an edge was accepted automatically or is held
// for human review.
type ReviewStatus string

const (
	ReviewAutoApproved ReviewStatus = "auto_approved"
	ReviewPending      ReviewStatus = "pending"
	ReviewRejected     ReviewStatus = "rejected"
)

// Relationship is a typed directed edge between two entities. From and To
// hold full entity document ids (EntityDocID). Relationships are never
// deleted; the contradiction engine ends their valid time and records the
// superseding edge in InvalidatedBy.
type Relationship struct {
	Key           string         `json:"_key,omitempty"`
	From          string         `json:"_from"`
	To            string         `json:"_to"`
	Type          string         `json:"type"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Rationale     string         `json:"rationale"`
	Confidence    float64        `json:"confidence"`
	Weight        float64        `json:"weight"`
	InvalidatedBy string         `json:"invalidated_by,omitempty"`
	ReviewStatus  ReviewStatus   `json:"review_status"`
	// ConflictsWith cross-references contradicting edges kept alive under
	// the manual resolution policy.
	ConflictsWith []string `json:"conflicts_with,omitempty"`
	Stamp
}

// Validate checks the invariants enforced before an edge is committed:
// endpoints set, rationale long enough, confidence in range, and temporal
// ordering.
func (r *Relationship) Validate() error {
	if r.From == "" || r.To == "" {
		return &ValidationError{Field: "endpoints", Reason: "_from and _to are required"}
	}
	if r.Type == "" {
		return &ValidationError{Field: "type", Reason: "cannot be empty"}
	}
	if len(strings.TrimSpace(r.Rationale)) < MinRationaleLength {
		return &ValidationError{
			Field:  "rationale",
			Reason: fmt.Sprintf("must be at least %d characters", MinRationaleLength),
		}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}
	return r.Stamp.Validate()
}

// Community is a cluster of entities produced by the community detector.
// Entities reference their community through Entity.CommunityID.
type Community struct {
	Key         string    `json:"_key,omitempty"`
	MemberCount int       `json:"member_count"`
	Modularity  float64   `json:"modularity"`
	CreatedAt   time.Time `json:"created_at"`
}

// Episode is a named bounded time span grouping conversations.
type Episode struct {
	Key               string         `json:"_key,omitempty"`
	Title             string         `json:"title"`
	EventType         string         `json:"event_type,omitempty"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           *time.Time     `json:"end_time,omitempty"`
	IsActive          bool           `json:"is_active"`
	ConversationCount int            `json:"conversation_count"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// CompactionRecord is a summary node that replaces a span of messages.
// SourceKeys lists the message keys folded into the summary.
type CompactionRecord struct {
	Key            string    `json:"_key,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SourceKeys     []string  `json:"source_keys"`
	Summary        string    `json:"summary"`
	Embedding      []float32 `json:"embedding,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Stamp
}

// InvalidationEvent records every invalidation applied to a document,
// capturing who ended the fact's valid time and why.
type InvalidationEvent struct {
	Key        string    `json:"_key,omitempty"`
	Collection string    `json:"collection"`
	DocKey     string    `json:"doc_key"`
	At         time.Time `json:"at"`
	Cause      string    `json:"cause"`
	Actor      string    `json:"actor"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExtractedEntity is the validated shape of one entity returned by the
// extraction model. Malformed items are discarded before this type is built.
type ExtractedEntity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// ExtractedRelation is the validated shape of one relation returned by the
// extraction model.
type ExtractedRelation struct {
	Source     string  `json:"source"`
	SourceType string  `json:"source_type"`
	Target     string  `json:"target"`
	TargetType string  `json:"target_type"`
	Type       string  `json:"type"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
}
