package mnemosyne

import (
	"context"
	"fmt"
	"strings"

	"github.com/soundprediction/mnemosyne/pkg/store"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

// QAEdgeType marks relationships derived from validated question/answer
// pairs.
const QAEdgeType = "qa_derived"

// QAPair is one validated question/answer pair from a source corpus.
type QAPair struct {
	Question string `json:"question"`
	// Thinking is the reasoning trace; carried for context, not persisted on
	// edges.
	Thinking string `json:"thinking,omitempty"`
	Answer   string `json:"answer"`
	// QuestionType labels the question (factual, causal, ...).
	QuestionType string `json:"question_type,omitempty"`
	// ValidationScore in [0, 1] reports how well the pair matched the
	// corpus.
	ValidationScore float64 `json:"validation_score"`
}

// QAResult reports one GenerateQAEdges run.
type QAResult struct {
	EdgesCreated int `json:"edges_created"`
	EdgesPending int `json:"edges_pending"`
	EdgesSkipped int `json:"edges_skipped"`
}

// GenerateQAEdges derives relationships from question/answer pairs: entities
// are extracted from each pair's combined text and every ordered entity pair
// becomes a qa_derived edge whose confidence blends the entity confidences
// with the pair's validation score. Low-confidence edges land in pending
// review through the usual path.
func (c *Client) GenerateQAEdges(ctx context.Context, pairs []QAPair) (*QAResult, error) {
	if c.extractor == nil {
		return nil, &types.ExternalUnavailableError{
			Service: "llm",
			Err:     fmt.Errorf("qa edge generation requires a language model"),
		}
	}

	result := &QAResult{}
	for _, pair := range pairs {
		if strings.TrimSpace(pair.Question) == "" || strings.TrimSpace(pair.Answer) == "" {
			result.EdgesSkipped++
			continue
		}
		if pair.ValidationScore < 0 || pair.ValidationScore > 1 {
			result.EdgesSkipped++
			continue
		}

		text := pair.Question + "\n" + pair.Answer
		entities, err := c.extractor.ExtractEntities(ctx, text)
		if err != nil {
			c.logger.Warn("qa entity extraction failed", "error", err)
			result.EdgesSkipped++
			continue
		}

		stored := make([]*types.Entity, 0, len(entities))
		for _, ent := range entities {
			vec, err := c.embedder.EmbedSingle(ctx, ent.Name)
			if err != nil {
				c.logger.Warn("embedding qa entity failed", "name", ent.Name, "error", err)
				continue
			}
			upserted, _, err := c.store.UpsertEntity(ctx, ent.Name, ent.Type, vec, ent.Confidence, nil)
			if err != nil {
				c.logger.Warn("qa entity upsert failed", "name", ent.Name, "error", err)
				continue
			}
			stored = append(stored, upserted)
		}

		rationale := pair.Question + " → " + pair.Answer
		for i, from := range stored {
			for j, to := range stored {
				if i == j {
					continue
				}
				confidence := qaConfidence(from.Confidence, to.Confidence, pair.ValidationScore)
				edge, err := c.store.CreateRelationship(ctx, store.RelationshipInput{
					FromKey:    from.Key,
					ToKey:      to.Key,
					Type:       QAEdgeType,
					Rationale:  rationale,
					Confidence: confidence,
					Attributes: map[string]any{
						"question_type":    pair.QuestionType,
						"validation_score": pair.ValidationScore,
					},
				})
				if err != nil {
					c.logger.Warn("qa edge creation failed",
						"from", from.Name, "to", to.Name, "error", err)
					result.EdgesSkipped++
					continue
				}
				result.EdgesCreated++
				if edge.ReviewStatus == types.ReviewPending {
					result.EdgesPending++
					c.notifyPendingReview(edge)
				}
			}
		}
	}
	return result, nil
}

// qaConfidence blends the endpoint confidences with the pair's validation
// score. The weaker endpoint bounds the edge.
func qaConfidence(from, to, validation float64) float64 {
	low := from
	if to < low {
		low = to
	}
	return low * validation
}
