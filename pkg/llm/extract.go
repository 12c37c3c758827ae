package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/soundprediction/mnemosyne/pkg/types"
)

const maxNameLength = 256

// Extractor turns model completions into validated extraction results.
// Model output varies; anything that fails schema validation is dropped with
// a warning rather than failing the call.
type Extractor struct {
	client Client
	logger *slog.Logger
}

// NewExtractor creates an extractor over a completion client.
func NewExtractor(client Client, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		client: client,
		logger: logger.With("component", "extractor"),
	}
}

// ExtractEntities asks the model for entities mentioned in text and returns
// the ones that pass validation.
func (e *Extractor) ExtractEntities(ctx context.Context, text string) ([]types.ExtractedEntity, error) {
	raw, err := e.client.Complete(ctx, entityExtractionSystem, text)
	if err != nil {
		return nil, err
	}
	var items []types.ExtractedEntity
	if err := decodeJSON(raw, &items); err != nil {
		return nil, &types.ExternalUnavailableError{
			Service: "llm-entity-extraction",
			Err:     fmt.Errorf("unparseable model output: %w", err),
		}
	}
	out := items[:0]
	for _, item := range items {
		if reason := validateEntity(item); reason != "" {
			e.logger.Warn("discarding extracted entity", "name", item.Name, "reason", reason)
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// ExtractRelations asks the model for relationships among the given entities
// and returns the ones that pass validation. Relations referencing entities
// outside the list are dropped.
func (e *Extractor) ExtractRelations(ctx context.Context, text string, entities []types.ExtractedEntity) ([]types.ExtractedRelation, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	names := make([]string, len(entities))
	known := make(map[string]bool, len(entities))
	for i, ent := range entities {
		names[i] = fmt.Sprintf("%s (%s)", ent.Name, ent.Type)
		known[strings.ToLower(ent.Name)] = true
	}
	user := fmt.Sprintf("Entities:\n%s\n\nText:\n%s", strings.Join(names, "\n"), text)

	raw, err := e.client.Complete(ctx, relationExtractionSystem, user)
	if err != nil {
		return nil, err
	}
	var items []types.ExtractedRelation
	if err := decodeJSON(raw, &items); err != nil {
		return nil, &types.ExternalUnavailableError{
			Service: "llm-relation-extraction",
			Err:     fmt.Errorf("unparseable model output: %w", err),
		}
	}
	out := items[:0]
	for _, item := range items {
		if reason := validateRelation(item, known); reason != "" {
			e.logger.Warn("discarding extracted relation",
				"source", item.Source, "target", item.Target, "reason", reason)
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// summaryPayload is the shape of summarization responses.
type summaryPayload struct {
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

// Summarize condenses a user/agent exchange into a memory summary and tags.
func (e *Extractor) Summarize(ctx context.Context, userMsg, agentMsg string) (string, []string, error) {
	user := fmt.Sprintf("User: %s\n\nAssistant: %s", userMsg, agentMsg)
	raw, err := e.client.Complete(ctx, summarizeSystem, user)
	if err != nil {
		return "", nil, err
	}
	var payload summaryPayload
	if err := decodeJSON(raw, &payload); err != nil {
		return "", nil, &types.ExternalUnavailableError{
			Service: "llm-summarize",
			Err:     fmt.Errorf("unparseable model output: %w", err),
		}
	}
	if strings.TrimSpace(payload.Summary) == "" {
		return "", nil, &types.ExternalUnavailableError{
			Service: "llm-summarize",
			Err:     fmt.Errorf("empty summary"),
		}
	}
	return payload.Summary, payload.Tags, nil
}

// Compact condenses a message sequence for the compaction engine.
func (e *Extractor) Compact(ctx context.Context, messages []string) (string, []string, error) {
	raw, err := e.client.Complete(ctx, compactionSystem, strings.Join(messages, "\n---\n"))
	if err != nil {
		return "", nil, err
	}
	var payload summaryPayload
	if err := decodeJSON(raw, &payload); err != nil {
		return "", nil, &types.ExternalUnavailableError{
			Service: "llm-compaction",
			Err:     fmt.Errorf("unparseable model output: %w", err),
		}
	}
	if strings.TrimSpace(payload.Summary) == "" {
		return "", nil, &types.ExternalUnavailableError{
			Service: "llm-compaction",
			Err:     fmt.Errorf("empty summary"),
		}
	}
	return payload.Summary, payload.Tags, nil
}

// decodeJSON parses model output into v, stripping markdown fences and
// repairing malformed JSON before giving up.
func decodeJSON(raw string, v any) error {
	cleaned := stripFences(raw)
	if err := json.Unmarshal([]byte(cleaned), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(repaired), v)
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func validateEntity(item types.ExtractedEntity) string {
	if strings.TrimSpace(item.Name) == "" {
		return "empty name"
	}
	if len(item.Name) > maxNameLength {
		return "name too long"
	}
	if strings.TrimSpace(item.Type) == "" {
		return "empty type"
	}
	if len(item.Type) > maxNameLength {
		return "type too long"
	}
	if item.Confidence < 0 || item.Confidence > 1 {
		return "confidence out of range"
	}
	return ""
}

func validateRelation(item types.ExtractedRelation, known map[string]bool) string {
	if strings.TrimSpace(item.Source) == "" || strings.TrimSpace(item.Target) == "" {
		return "missing endpoint"
	}
	if !known[strings.ToLower(item.Source)] || !known[strings.ToLower(item.Target)] {
		return "endpoint not in entity list"
	}
	if strings.TrimSpace(item.Type) == "" {
		return "empty type"
	}
	if item.Confidence < 0 || item.Confidence > 1 {
		return "confidence out of range"
	}
	if strings.TrimSpace(item.Rationale) == "" {
		return "empty rationale"
	}
	return ""
}
