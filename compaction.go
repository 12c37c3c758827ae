package mnemosyne

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/mnemosyne/pkg/temporal"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

// Compact folds the messages of a conversation window into one summary
// record and ends the source messages' valid time at the compaction instant.
// Point-in-time queries before the compaction still see the originals.
func (c *Client) Compact(ctx context.Context, conversationID string, from, to time.Time) (*types.CompactionRecord, error) {
	if conversationID == "" {
		return nil, &types.ValidationError{Field: "conversation_id", Reason: "cannot be empty"}
	}
	if !to.After(from) {
		return nil, &types.ValidationError{Field: "window", Reason: "to must be after from"}
	}
	if c.extractor == nil {
		return nil, &types.ExternalUnavailableError{
			Service: "llm",
			Err:     fmt.Errorf("compaction requires a language model"),
		}
	}

	messages, err := c.driver.MessagesInWindow(ctx, conversationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("reading window: %w", err)
	}
	if len(messages) == 0 {
		return nil, &types.NotFoundError{Collection: types.CollMessages, Key: conversationID}
	}

	texts := make([]string, len(messages))
	sourceKeys := make([]string, len(messages))
	for i, msg := range messages {
		texts[i] = string(msg.Role) + ": " + msg.Content
		sourceKeys[i] = msg.Key
	}

	summary, tags, err := c.extractor.Compact(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("summarizing window: %w", err)
	}
	embedding, err := c.embedder.EmbedSingle(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("embedding summary: %w", err)
	}

	compactedAt := c.now()
	record := &types.CompactionRecord{
		Key:            uuid.NewString(),
		ConversationID: conversationID,
		SourceKeys:     sourceKeys,
		Summary:        summary,
		Embedding:      embedding,
		Tags:           tags,
		Stamp:          types.NewStamp(compactedAt, compactedAt),
	}
	if _, err := c.driver.InsertDocument(ctx, types.CollCompactions, record); err != nil {
		return nil, fmt.Errorf("inserting compaction record: %w", err)
	}

	for _, key := range sourceKeys {
		applied, err := c.invalidator.Invalidate(ctx, types.CollMessages, key, compactedAt, record.Key, temporal.CauseCompaction, "compaction")
		if err != nil {
			return nil, fmt.Errorf("invalidating message %s: %w", key, err)
		}
		if !applied {
			c.logger.Debug("message already invalidated", "key", key)
		}
	}

	c.logger.Info("conversation window compacted",
		"conversation_id", conversationID,
		"messages", len(sourceKeys),
		"record", record.Key)
	return record, nil
}
