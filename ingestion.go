package mnemosyne

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/mnemosyne/pkg/store"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

// tailRetries bounds the optimistic read-then-write loop that links a new
// message to the conversation tail.
const tailRetries = 3

// StoreOptions are optional parameters for StoreConversation.
type StoreOptions struct {
	// ConversationID groups turns; assigned when empty.
	ConversationID string
	// EpisodeID attaches the resulting memory to an episode.
	EpisodeID string
	// Metadata is carried on the memory document.
	Metadata map[string]any
	// ReferenceTime overrides valid-from-now, for backfilled conversations.
	ReferenceTime time.Time
}

// StoreResult reports one ingested exchange.
type StoreResult struct {
	ConversationID    string `json:"conversation_id"`
	UserKey           string `json:"user_key"`
	AgentKey          string `json:"agent_key"`
	MemoryKey         string `json:"memory_key"`
	EntityCount       int    `json:"entity_count"`
	RelationshipCount int    `json:"relationship_count"`
}

// StoreConversation ingests one user/agent exchange: both messages are
// embedded and chained into the conversation, a summarizing memory is
// written, and entities and relationships are extracted and upserted.
// Extraction is best-effort; its failures are logged and the raw messages
// remain stored.
func (c *Client) StoreConversation(ctx context.Context, userMsg, agentMsg string, opts *StoreOptions) (*StoreResult, error) {
	if strings.TrimSpace(userMsg) == "" || strings.TrimSpace(agentMsg) == "" {
		return nil, &types.ValidationError{Field: "messages", Reason: "user and agent messages cannot be empty"}
	}
	if opts == nil {
		opts = &StoreOptions{}
	}
	if _, has := ctx.Deadline(); !has && c.cfg.Deadlines.Ingestion > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Deadlines.Ingestion)
		defer cancel()
	}

	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	validAt := opts.ReferenceTime
	if validAt.IsZero() {
		validAt = c.now()
	}

	vectors, err := c.embedder.Embed(ctx, []string{userMsg, agentMsg})
	if err != nil {
		return nil, fmt.Errorf("embedding messages: %w", err)
	}

	userMessage := &types.Message{
		Key:            uuid.NewString(),
		Role:           types.RoleUser,
		Content:        userMsg,
		ConversationID: conversationID,
		EpisodeID:      opts.EpisodeID,
		Embedding:      vectors[0],
		Stamp:          types.NewStamp(c.now(), validAt),
	}
	agentMessage := &types.Message{
		Key:                uuid.NewString(),
		Role:               types.RoleAgent,
		Content:            agentMsg,
		ConversationID:     conversationID,
		EpisodeID:          opts.EpisodeID,
		Embedding:          vectors[1],
		PreviousMessageKey: userMessage.Key,
		Stamp:              types.NewStamp(c.now(), validAt),
	}
	if err := userMessage.Validate(); err != nil {
		return nil, err
	}
	if err := agentMessage.Validate(); err != nil {
		return nil, err
	}

	summary, tags := c.summarize(ctx, userMsg, agentMsg)
	memoryVec, err := c.embedder.EmbedSingle(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("embedding memory: %w", err)
	}
	memory := &types.Memory{
		Key:            uuid.NewString(),
		Content:        userMsg + "\n" + agentMsg,
		Summary:        summary,
		Embedding:      memoryVec,
		ConversationID: conversationID,
		EpisodeID:      opts.EpisodeID,
		Tags:           tags,
		Metadata:       opts.Metadata,
		Stamp:          types.NewStamp(c.now(), validAt),
	}

	// The message chain and the memory commit atomically. The tail link is
	// read-then-write; a racing writer surfaces as a conflict and the loop
	// retries against the fresh tail.
	var committed bool
	for attempt := 0; attempt < tailRetries && !committed; attempt++ {
		tail, err := c.driver.LastMessageKey(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("reading conversation tail: %w", err)
		}
		userMessage.PreviousMessageKey = tail

		err = c.driver.Transaction(ctx, []string{types.CollMessages, types.CollMemories}, func(txCtx context.Context) error {
			if _, err := c.driver.InsertDocument(txCtx, types.CollMessages, userMessage); err != nil {
				return err
			}
			if _, err := c.driver.InsertDocument(txCtx, types.CollMessages, agentMessage); err != nil {
				return err
			}
			_, err := c.driver.InsertDocument(txCtx, types.CollMemories, memory)
			return err
		})
		switch {
		case err == nil:
			committed = true
		case isConflict(err) && attempt < tailRetries-1:
			c.logger.Debug("conversation tail moved, retrying", "conversation_id", conversationID)
		default:
			return nil, fmt.Errorf("committing exchange: %w", err)
		}
	}

	result := &StoreResult{
		ConversationID: conversationID,
		UserKey:        userMessage.Key,
		AgentKey:       agentMessage.Key,
		MemoryKey:      memory.Key,
	}

	// Best-effort knowledge extraction. Raw messages are already durable.
	if c.extractor != nil {
		result.EntityCount, result.RelationshipCount = c.extractKnowledge(ctx, userMsg+"\n"+agentMsg, validAt)
	}

	if err := c.ensureView(ctx); err != nil {
		return nil, fmt.Errorf("ensuring search view: %w", err)
	}

	if opts.EpisodeID != "" {
		if err := c.episodes.RecordConversation(ctx, opts.EpisodeID); err != nil {
			c.logger.Warn("recording conversation on episode", "episode_id", opts.EpisodeID, "error", err)
		}
	}
	return result, nil
}

// summarize produces the memory summary and tags, falling back to a plain
// concatenation when no model is available or the call fails.
func (c *Client) summarize(ctx context.Context, userMsg, agentMsg string) (string, []string) {
	if c.extractor != nil {
		summary, tags, err := c.extractor.Summarize(ctx, userMsg, agentMsg)
		if err == nil {
			return summary, tags
		}
		c.logger.Warn("summarization failed, storing raw exchange", "error", err)
	}
	summary := "User: " + userMsg + " Assistant: " + agentMsg
	if len(summary) > 500 {
		summary = summary[:500]
	}
	return summary, nil
}

// extractKnowledge runs entity and relation extraction over one exchange and
// upserts the results. Every failure is logged and skipped.
func (c *Client) extractKnowledge(ctx context.Context, text string, validAt time.Time) (entityCount, relationshipCount int) {
	extracted, err := c.extractor.ExtractEntities(ctx, text)
	if err != nil {
		c.logger.Warn("entity extraction failed, ingestion continues", "error", err)
		return 0, 0
	}

	keys := make(map[string]string, len(extracted))
	for _, ent := range extracted {
		vec, err := c.embedder.EmbedSingle(ctx, ent.Name)
		if err != nil {
			c.logger.Warn("embedding entity failed", "name", ent.Name, "error", err)
			continue
		}
		stored, _, err := c.store.UpsertEntity(ctx, ent.Name, ent.Type, vec, ent.Confidence, nil)
		if err != nil {
			c.logger.Warn("entity upsert failed", "name", ent.Name, "error", err)
			continue
		}
		keys[strings.ToLower(ent.Name)] = stored.Key
		entityCount++
	}
	if entityCount == 0 {
		return entityCount, 0
	}

	relations, err := c.extractor.ExtractRelations(ctx, text, extracted)
	if err != nil {
		c.logger.Warn("relation extraction failed, ingestion continues", "error", err)
		return entityCount, 0
	}
	for _, rel := range relations {
		fromKey, okFrom := keys[strings.ToLower(rel.Source)]
		toKey, okTo := keys[strings.ToLower(rel.Target)]
		if !okFrom || !okTo {
			continue
		}
		edge, err := c.store.CreateRelationship(ctx, store.RelationshipInput{
			FromKey:    fromKey,
			ToKey:      toKey,
			Type:       rel.Type,
			Rationale:  rel.Rationale,
			Confidence: rel.Confidence,
			ValidAt:    validAt,
		})
		if err != nil {
			var rejected *types.ContradictionRejectedError
			if errors.As(err, &rejected) {
				c.logger.Info("relationship rejected by contradiction policy",
					"type", rel.Type, "source", rel.Source, "target", rel.Target)
			} else {
				c.logger.Warn("relationship creation failed",
					"type", rel.Type, "source", rel.Source, "target", rel.Target, "error", err)
			}
			continue
		}
		if edge.ReviewStatus == types.ReviewPending {
			c.notifyPendingReview(edge)
		}
		relationshipCount++
	}
	return entityCount, relationshipCount
}

func isConflict(err error) bool {
	var transient *types.TransientStorageError
	return errors.As(err, &transient) && strings.Contains(strings.ToLower(err.Error()), "conflict")
}
