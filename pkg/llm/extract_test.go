package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/mnemosyne/pkg/types"
)

// stubClient returns canned responses in order and records calls.
type stubClient struct {
	responses []string
	errs      []error
	calls     int
	systems   []string
	users     []string
}

func (s *stubClient) Complete(ctx context.Context, system, user string) (string, error) {
	i := s.calls
	s.calls++
	s.systems = append(s.systems, system)
	s.users = append(s.users, user)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return "", errors.New("no response configured")
}

func (s *stubClient) Close() error { return nil }

func TestExtractEntitiesParsesFencedJSON(t *testing.T) {
	stub := &stubClient{responses: []string{
		"```json\n[{\"name\": \"Alice\", \"type\": \"person\", \"confidence\": 0.9}," +
			"{\"name\": \"Acme\", \"type\": \"organization\", \"confidence\": 0.8}]\n```",
	}}
	ex := NewExtractor(stub, nil)

	entities, err := ex.ExtractEntities(context.Background(), "Alice works at Acme.")
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "Alice", entities[0].Name)
	assert.Equal(t, "organization", entities[1].Type)
}

func TestExtractEntitiesRepairsMalformedJSON(t *testing.T) {
	// Trailing comma and single quotes, the usual model sloppiness.
	stub := &stubClient{responses: []string{
		`[{'name': 'Alice', 'type': 'person', 'confidence': 0.9},]`,
	}}
	ex := NewExtractor(stub, nil)

	entities, err := ex.ExtractEntities(context.Background(), "Alice.")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Alice", entities[0].Name)
}

func TestExtractEntitiesDropsInvalidItems(t *testing.T) {
	stub := &stubClient{responses: []string{
		`[{"name": "Alice", "type": "person", "confidence": 0.9},
		  {"name": "", "type": "person", "confidence": 0.9},
		  {"name": "Bob", "type": "", "confidence": 0.9},
		  {"name": "Carol", "type": "person", "confidence": 1.5}]`,
	}}
	ex := NewExtractor(stub, nil)

	entities, err := ex.ExtractEntities(context.Background(), "text")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Alice", entities[0].Name)
}

func TestExtractEntitiesUnparseableOutput(t *testing.T) {
	stub := &stubClient{responses: []string{"I could not find any entities, sorry!"}}
	ex := NewExtractor(stub, nil)

	_, err := ex.ExtractEntities(context.Background(), "text")
	require.Error(t, err)
	var unavailable *types.ExternalUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestExtractRelationsValidatesEndpoints(t *testing.T) {
	stub := &stubClient{responses: []string{
		`[{"source": "Alice", "source_type": "person", "target": "Acme", "target_type": "organization",
		   "type": "WORKS_FOR", "rationale": "The text states that Alice has been employed at Acme since 2021.", "confidence": 0.9},
		  {"source": "Alice", "source_type": "person", "target": "Globex", "target_type": "organization",
		   "type": "WORKS_FOR", "rationale": "Globex is never in the provided entity list so this must be dropped.", "confidence": 0.9},
		  {"source": "Acme", "source_type": "organization", "target": "Alice", "target_type": "person",
		   "type": "EMPLOYS", "rationale": "", "confidence": 0.9}]`,
	}}
	ex := NewExtractor(stub, nil)

	entities := []types.ExtractedEntity{
		{Name: "Alice", Type: "person", Confidence: 0.9},
		{Name: "Acme", Type: "organization", Confidence: 0.8},
	}
	relations, err := ex.ExtractRelations(context.Background(), "Alice works at Acme.", entities)
	require.NoError(t, err)
	require.Len(t, relations, 1)
	assert.Equal(t, "WORKS_FOR", relations[0].Type)
	assert.Equal(t, "Acme", relations[0].Target)
}

func TestExtractRelationsEmptyEntityList(t *testing.T) {
	stub := &stubClient{}
	ex := NewExtractor(stub, nil)

	relations, err := ex.ExtractRelations(context.Background(), "text", nil)
	require.NoError(t, err)
	assert.Empty(t, relations)
	assert.Zero(t, stub.calls, "no model call without entities")
}

func TestSummarize(t *testing.T) {
	stub := &stubClient{responses: []string{
		`{"summary": "User moved to Berlin and prefers morning meetings.", "tags": ["relocation", "scheduling"]}`,
	}}
	ex := NewExtractor(stub, nil)

	summary, tags, err := ex.Summarize(context.Background(), "I moved to Berlin", "Noted!")
	require.NoError(t, err)
	assert.Contains(t, summary, "Berlin")
	assert.Equal(t, []string{"relocation", "scheduling"}, tags)
}

func TestSummarizeEmptySummaryIsError(t *testing.T) {
	stub := &stubClient{responses: []string{`{"summary": "  ", "tags": []}`}}
	ex := NewExtractor(stub, nil)

	_, _, err := ex.Summarize(context.Background(), "u", "a")
	require.Error(t, err)
}

func TestCompact(t *testing.T) {
	stub := &stubClient{responses: []string{
		`{"summary": "Project kickoff happened on March 3 with Alice leading.", "tags": ["project"]}`,
	}}
	ex := NewExtractor(stub, nil)

	summary, tags, err := ex.Compact(context.Background(), []string{"msg one", "msg two"})
	require.NoError(t, err)
	assert.Contains(t, summary, "March 3")
	assert.Equal(t, []string{"project"}, tags)
	assert.Contains(t, stub.users[0], "msg one")
	assert.Contains(t, stub.users[0], "msg two")
}
