// Package episode groups conversations into named bounded time spans. An
// episode opens active, accumulates conversations, and is closed exactly
// once; closing an already-closed episode is reported, not failed.
package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/mnemosyne/pkg/driver"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

// Manager is the episode lifecycle API.
type Manager struct {
	driver driver.Driver
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates an episode manager.
func NewManager(d driver.Driver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		driver: d,
		logger: logger.With("component", "episode"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open starts a new active episode.
func (m *Manager) Open(ctx context.Context, title, eventType string, metadata map[string]any) (*types.Episode, error) {
	if title == "" {
		return nil, &types.ValidationError{Field: "title", Reason: "cannot be empty"}
	}
	ep := &types.Episode{
		Key:       uuid.NewString(),
		Title:     title,
		EventType: eventType,
		StartTime: m.now(),
		IsActive:  true,
		Metadata:  metadata,
	}
	if _, err := m.driver.InsertDocument(ctx, types.CollEpisodes, ep); err != nil {
		return nil, fmt.Errorf("opening episode: %w", err)
	}
	m.logger.Info("episode opened", "key", ep.Key, "title", title)
	return ep, nil
}

// Get reads one episode.
func (m *Manager) Get(ctx context.Context, key string) (*types.Episode, error) {
	var ep types.Episode
	if err := m.driver.GetDocument(ctx, types.CollEpisodes, key, &ep); err != nil {
		return nil, err
	}
	return &ep, nil
}

// List returns episodes, newest first. With activeOnly set, closed episodes
// are skipped.
func (m *Manager) List(ctx context.Context, activeOnly bool) ([]types.Episode, error) {
	var episodes []types.Episode
	err := m.driver.AllDocuments(ctx, types.CollEpisodes, func(doc map[string]any) error {
		var ep types.Episode
		if err := decode(doc, &ep); err != nil {
			return err
		}
		if activeOnly && !ep.IsActive {
			return nil
		}
		episodes = append(episodes, ep)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(episodes, func(i, j int) bool {
		if !episodes[i].StartTime.Equal(episodes[j].StartTime) {
			return episodes[i].StartTime.After(episodes[j].StartTime)
		}
		return episodes[i].Key < episodes[j].Key
	})
	return episodes, nil
}

// Current returns the most recently opened episode that is still active.
func (m *Manager) Current(ctx context.Context) (*types.Episode, error) {
	episodes, err := m.List(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(episodes) == 0 {
		return nil, &types.NotFoundError{Collection: types.CollEpisodes, Key: "current"}
	}
	return &episodes[0], nil
}

// Close ends an episode. Closing an episode that is already closed is a
// no-op reported through alreadyClosed; the stored end time is not touched.
func (m *Manager) Close(ctx context.Context, key string) (ep *types.Episode, alreadyClosed bool, err error) {
	ep, err = m.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ep.IsActive {
		return ep, true, nil
	}
	end := m.now()
	patch := map[string]any{
		"is_active": false,
		"end_time":  end.Format(time.RFC3339Nano),
	}
	if err := m.driver.PatchDocument(ctx, types.CollEpisodes, key, patch); err != nil {
		return nil, false, fmt.Errorf("closing episode %s: %w", key, err)
	}
	ep.IsActive = false
	ep.EndTime = &end
	m.logger.Info("episode closed", "key", key)
	return ep, false, nil
}

// RecordConversation bumps the episode's conversation count.
func (m *Manager) RecordConversation(ctx context.Context, key string) error {
	ep, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	return m.driver.PatchDocument(ctx, types.CollEpisodes, key, map[string]any{
		"conversation_count": ep.ConversationCount + 1,
	})
}

// Conversations returns the memories recorded under an episode, oldest
// first.
func (m *Manager) Conversations(ctx context.Context, key string) ([]types.Memory, error) {
	if _, err := m.Get(ctx, key); err != nil {
		return nil, err
	}
	var memories []types.Memory
	err := m.driver.AllDocuments(ctx, types.CollMemories, func(doc map[string]any) error {
		if doc["episode_id"] != key {
			return nil
		}
		var mem types.Memory
		if err := decode(doc, &mem); err != nil {
			return err
		}
		memories = append(memories, mem)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(memories, func(i, j int) bool {
		if !memories[i].CreatedAt.Equal(memories[j].CreatedAt) {
			return memories[i].CreatedAt.Before(memories[j].CreatedAt)
		}
		return memories[i].Key < memories[j].Key
	})
	return memories, nil
}

func decode(doc map[string]any, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
