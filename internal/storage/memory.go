package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamcast/internal/models"
)

type dataset struct {
	Channels       map[string]models.Channel         `json:"channels"`
	Targets        map[string]models.SimulcastTarget `json:"simulcastTargets"`
	StreamSessions map[string]models.StreamSession   `json:"streamSessions"`
	Clips          map[string]models.Clip            `json:"clips"`
}

func newDataset() dataset {
	return dataset{
		Channels:       make(map[string]models.Channel),
		Targets:        make(map[string]models.SimulcastTarget),
		StreamSessions: make(map[string]models.StreamSession),
		Clips:          make(map[string]models.Clip),
	}
}

// Memory is an in-memory Repository with optional JSON snapshot persistence.
// It backs development and tests; production deployments use Postgres.
type Memory struct {
	mu   sync.RWMutex
	path string
	data dataset
}

// NewMemory loads the snapshot at path when one exists. An empty path
// disables persistence entirely.
func NewMemory(path string) (*Memory, error) {
	m := &Memory{path: strings.TrimSpace(path), data: newDataset()}
	if m.path == "" {
		return m, nil
	}
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m.data); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if m.data.Channels == nil {
		m.data = newDataset()
	}
	return m, nil
}

// saveLocked persists the dataset atomically. Callers must hold mu.
func (m *Memory) saveLocked() error {
	if m.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close(ctx context.Context) error {
	return nil
}

func (m *Memory) CreateChannel(title, category string, tags []string) (models.Channel, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Channel{}, fmt.Errorf("channel title is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Channel{}, err
	}
	streamKey, err := generateStreamKey()
	if err != nil {
		return models.Channel{}, err
	}
	now := time.Now().UTC()
	channel := models.Channel{
		ID:        id,
		StreamKey: streamKey,
		Title:     title,
		Category:  strings.TrimSpace(category),
		Tags:      normalizeTags(tags),
		LiveState: models.LiveStateOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Channels[id] = channel
	if err := m.saveLocked(); err != nil {
		delete(m.data.Channels, id)
		return models.Channel{}, err
	}
	return channel, nil
}

func (m *Memory) UpdateChannel(id string, update ChannelUpdate) (models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.data.Channels[id]
	if !ok {
		return models.Channel{}, ErrNotFound
	}
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return models.Channel{}, fmt.Errorf("channel title is required")
		}
		channel.Title = title
	}
	if update.Category != nil {
		channel.Category = strings.TrimSpace(*update.Category)
	}
	if update.Tags != nil {
		channel.Tags = normalizeTags(*update.Tags)
	}
	channel.UpdatedAt = time.Now().UTC()
	m.data.Channels[id] = channel
	if err := m.saveLocked(); err != nil {
		return models.Channel{}, err
	}
	return channel, nil
}

func (m *Memory) RotateStreamKey(id string) (models.Channel, error) {
	streamKey, err := generateStreamKey()
	if err != nil {
		return models.Channel{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.data.Channels[id]
	if !ok {
		return models.Channel{}, ErrNotFound
	}
	channel.StreamKey = streamKey
	channel.UpdatedAt = time.Now().UTC()
	m.data.Channels[id] = channel
	if err := m.saveLocked(); err != nil {
		return models.Channel{}, err
	}
	return channel, nil
}

func (m *Memory) DeleteChannel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Channels[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.Channels, id)
	for targetID, target := range m.data.Targets {
		if target.ChannelID == id {
			delete(m.data.Targets, targetID)
		}
	}
	return m.saveLocked()
}

func (m *Memory) GetChannel(id string) (models.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.data.Channels[id]
	return channel, ok
}

func (m *Memory) ChannelByStreamKey(streamKey string) (models.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, channel := range m.data.Channels {
		if channel.StreamKey == streamKey {
			return channel, true
		}
	}
	return models.Channel{}, false
}

func (m *Memory) ListChannels() []models.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channels := make([]models.Channel, 0, len(m.data.Channels))
	for _, channel := range m.data.Channels {
		channels = append(channels, channel)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].CreatedAt.Before(channels[j].CreatedAt) })
	return channels
}

func (m *Memory) PutSimulcastTarget(channelID string, params TargetParams) (models.SimulcastTarget, error) {
	platform := strings.ToLower(strings.TrimSpace(params.Platform))
	if platform == "" {
		return models.SimulcastTarget{}, fmt.Errorf("platform is required")
	}
	if strings.TrimSpace(params.RTMPURL) == "" {
		return models.SimulcastTarget{}, fmt.Errorf("rtmp url is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Channels[channelID]; !ok {
		return models.SimulcastTarget{}, ErrNotFound
	}
	now := time.Now().UTC()
	target := models.SimulcastTarget{
		ID:           uuid.NewString(),
		ChannelID:    channelID,
		Platform:     platform,
		RTMPURL:      strings.TrimSpace(params.RTMPURL),
		StreamKey:    strings.TrimSpace(params.StreamKey),
		VideoBitrate: params.VideoBitrate,
		AudioBitrate: params.AudioBitrate,
		Resolution:   strings.TrimSpace(params.Resolution),
		Enabled:      params.Enabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// One target per platform per channel: replace in place.
	for id, existing := range m.data.Targets {
		if existing.ChannelID == channelID && existing.Platform == platform {
			target.ID = id
			target.CreatedAt = existing.CreatedAt
			break
		}
	}
	m.data.Targets[target.ID] = target
	if err := m.saveLocked(); err != nil {
		return models.SimulcastTarget{}, err
	}
	return target, nil
}

func (m *Memory) DeleteSimulcastTarget(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Targets[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.Targets, id)
	return m.saveLocked()
}

func (m *Memory) ListSimulcastTargets(channelID string) []models.SimulcastTarget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	targets := make([]models.SimulcastTarget, 0)
	for _, target := range m.data.Targets {
		if target.ChannelID == channelID {
			targets = append(targets, target)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Platform < targets[j].Platform })
	return targets
}

func (m *Memory) StartStream(channelID string) (models.StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.data.Channels[channelID]
	if !ok {
		return models.StreamSession{}, ErrNotFound
	}
	session := models.StreamSession{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		StartedAt: time.Now().UTC(),
	}
	m.data.StreamSessions[session.ID] = session
	channel.LiveState = models.LiveStateLive
	channel.CurrentSessionID = &session.ID
	channel.UpdatedAt = session.StartedAt
	m.data.Channels[channelID] = channel
	if err := m.saveLocked(); err != nil {
		return models.StreamSession{}, err
	}
	return session, nil
}

func (m *Memory) StopStream(channelID string) (models.StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.data.Channels[channelID]
	if !ok {
		return models.StreamSession{}, ErrNotFound
	}
	if channel.CurrentSessionID == nil {
		return models.StreamSession{}, fmt.Errorf("channel %s has no active session", channelID)
	}
	session, ok := m.data.StreamSessions[*channel.CurrentSessionID]
	if !ok {
		return models.StreamSession{}, ErrNotFound
	}
	now := time.Now().UTC()
	session.EndedAt = &now
	m.data.StreamSessions[session.ID] = session
	channel.LiveState = models.LiveStateOffline
	channel.CurrentSessionID = nil
	channel.UpdatedAt = now
	m.data.Channels[channelID] = channel
	if err := m.saveLocked(); err != nil {
		return models.StreamSession{}, err
	}
	return session, nil
}

func (m *Memory) CurrentSession(channelID string) (models.StreamSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.data.Channels[channelID]
	if !ok || channel.CurrentSessionID == nil {
		return models.StreamSession{}, false
	}
	session, ok := m.data.StreamSessions[*channel.CurrentSessionID]
	return session, ok
}

func (m *Memory) CreateClip(params ClipParams) (models.Clip, error) {
	if strings.TrimSpace(params.ChannelID) == "" {
		return models.Clip{}, fmt.Errorf("channel id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Channels[params.ChannelID]; !ok {
		return models.Clip{}, ErrNotFound
	}
	clip := models.Clip{
		ID:            uuid.NewString(),
		ChannelID:     params.ChannelID,
		Title:         strings.TrimSpace(params.Title),
		SourceKey:     params.SourceKey,
		DurationSec:   params.DurationSec,
		FilePath:      params.FilePath,
		ThumbnailPath: params.ThumbnailPath,
		CreatedAt:     time.Now().UTC(),
	}
	m.data.Clips[clip.ID] = clip
	if err := m.saveLocked(); err != nil {
		return models.Clip{}, err
	}
	return clip, nil
}

func (m *Memory) GetClip(id string) (models.Clip, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clip, ok := m.data.Clips[id]
	return clip, ok
}

func (m *Memory) ListClips(channelID string) []models.Clip {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clips := make([]models.Clip, 0)
	for _, clip := range m.data.Clips {
		if channelID == "" || clip.ChannelID == channelID {
			clips = append(clips, clip)
		}
	}
	sort.Slice(clips, func(i, j int) bool { return clips[i].CreatedAt.After(clips[j].CreatedAt) })
	return clips
}

func (m *Memory) DeleteClip(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Clips[id]; !ok {
		return ErrNotFound
	}
	delete(m.data.Clips, id)
	return m.saveLocked()
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		lowered := strings.ToLower(trimmed)
		if _, ok := seen[lowered]; ok {
			continue
		}
		seen[lowered] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
