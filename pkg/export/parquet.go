// Package export writes graph snapshots and the contradiction log to
// Parquet files for offline analysis.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/soundprediction/mnemosyne/pkg/driver"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

// Writer dumps collections to Parquet files under one base directory.
type Writer struct {
	driver  driver.Driver
	baseDir string
	logger  *slog.Logger
}

// NewWriter creates a writer rooted at baseDir, creating it if needed.
func NewWriter(d driver.Driver, baseDir string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	return &Writer{
		driver:  d,
		baseDir: baseDir,
		logger:  logger.With("component", "export"),
	}, nil
}

// ParquetEntity is the Parquet schema for one entity row.
type ParquetEntity struct {
	Key         string     `parquet:"key"`
	Name        string     `parquet:"name"`
	EntityType  string     `parquet:"entity_type"`
	CommunityID string     `parquet:"community_id"`
	Confidence  float64    `parquet:"confidence"`
	CreatedAt   *time.Time `parquet:"created_at"`
	Embedding   []float32  `parquet:"embedding"`
	Metadata    string     `parquet:"metadata"` // JSON string
}

// ParquetRelationship is the Parquet schema for one relationship row.
type ParquetRelationship struct {
	Key           string     `parquet:"key"`
	From          string     `parquet:"from"`
	To            string     `parquet:"to"`
	EdgeType      string     `parquet:"edge_type"`
	Rationale     string     `parquet:"rationale"`
	Confidence    float64    `parquet:"confidence"`
	Weight        float64    `parquet:"weight"`
	ReviewStatus  string     `parquet:"review_status"`
	InvalidatedBy string     `parquet:"invalidated_by"`
	CreatedAt     *time.Time `parquet:"created_at"`
	ValidAt       *time.Time `parquet:"valid_at"`
	InvalidAt     *time.Time `parquet:"invalid_at"`
	Attributes    string     `parquet:"attributes"` // JSON string
}

// ParquetContradiction is the Parquet schema for one contradiction log row.
type ParquetContradiction struct {
	EdgeType    string     `parquet:"edge_type"`
	Subject     string     `parquet:"subject"`
	NewKey      string     `parquet:"new_key"`
	ExistingKey string     `parquet:"existing_key"`
	Policy      string     `parquet:"policy"`
	Action      string     `parquet:"action"`
	Success     bool       `parquet:"success"`
	Reason      string     `parquet:"reason"`
	Timestamp   *time.Time `parquet:"timestamp"`
}

// ExportGraph writes the entities and relationships collections to
// entities.parquet and relationships.parquet. Returns the row counts.
func (w *Writer) ExportGraph(ctx context.Context) (entities, relationships int, err error) {
	var entityRows []ParquetEntity
	err = w.driver.AllDocuments(ctx, types.CollEntities, func(doc map[string]any) error {
		var ent types.Entity
		if err := decode(doc, &ent); err != nil {
			return err
		}
		entityRows = append(entityRows, ParquetEntity{
			Key:         ent.Key,
			Name:        ent.Name,
			EntityType:  ent.Type,
			CommunityID: ent.CommunityID,
			Confidence:  ent.Confidence,
			CreatedAt:   timePtr(ent.CreatedAt),
			Embedding:   ent.Embedding,
			Metadata:    mustJSON(ent.Metadata),
		})
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("reading entities: %w", err)
	}

	var edgeRows []ParquetRelationship
	err = w.driver.AllDocuments(ctx, types.CollRelationships, func(doc map[string]any) error {
		var rel types.Relationship
		if err := decode(doc, &rel); err != nil {
			return err
		}
		edgeRows = append(edgeRows, ParquetRelationship{
			Key:           rel.Key,
			From:          rel.From,
			To:            rel.To,
			EdgeType:      rel.Type,
			Rationale:     rel.Rationale,
			Confidence:    rel.Confidence,
			Weight:        rel.Weight,
			ReviewStatus:  string(rel.ReviewStatus),
			InvalidatedBy: rel.InvalidatedBy,
			CreatedAt:     timePtr(rel.CreatedAt),
			ValidAt:       timePtr(rel.ValidAt),
			InvalidAt:     rel.InvalidAt,
			Attributes:    mustJSON(rel.Attributes),
		})
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("reading relationships: %w", err)
	}

	if err := parquet.WriteFile(filepath.Join(w.baseDir, "entities.parquet"), entityRows); err != nil {
		return 0, 0, fmt.Errorf("writing entities.parquet: %w", err)
	}
	if err := parquet.WriteFile(filepath.Join(w.baseDir, "relationships.parquet"), edgeRows); err != nil {
		return 0, 0, fmt.Errorf("writing relationships.parquet: %w", err)
	}
	w.logger.Info("graph exported", "entities", len(entityRows), "relationships", len(edgeRows))
	return len(entityRows), len(edgeRows), nil
}

// ExportContradictionLog writes the contradiction log to
// contradictions.parquet. Returns the row count.
func (w *Writer) ExportContradictionLog(ctx context.Context) (int, error) {
	var rows []ParquetContradiction
	err := w.driver.AllDocuments(ctx, types.CollContradictionLog, func(doc map[string]any) error {
		row := ParquetContradiction{
			EdgeType:    str(doc, "edge_type"),
			Subject:     str(doc, "subject"),
			NewKey:      str(doc, "new_key"),
			ExistingKey: str(doc, "existing_key"),
			Policy:      str(doc, "policy"),
			Action:      str(doc, "action"),
			Reason:      str(doc, "reason"),
		}
		if b, ok := doc["success"].(bool); ok {
			row.Success = b
		}
		if raw, ok := doc["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				row.Timestamp = &t
			}
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading contradiction log: %w", err)
	}
	if err := parquet.WriteFile(filepath.Join(w.baseDir, "contradictions.parquet"), rows); err != nil {
		return 0, fmt.Errorf("writing contradictions.parquet: %w", err)
	}
	w.logger.Info("contradiction log exported", "rows", len(rows))
	return len(rows), nil
}

func decode(doc map[string]any, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func mustJSON(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func str(doc map[string]any, field string) string {
	s, _ := doc[field].(string)
	return s
}
