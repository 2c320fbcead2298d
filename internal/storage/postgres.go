package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamcast/internal/models"
)

const postgresOperationTimeout = 10 * time.Second

// Postgres is the production Repository backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool against dsn and applies the schema migration.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			stream_key TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			live_state TEXT NOT NULL DEFAULT 'offline',
			current_session_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS simulcast_targets (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			platform TEXT NOT NULL,
			rtmp_url TEXT NOT NULL,
			stream_key TEXT NOT NULL DEFAULT '',
			video_bitrate INTEGER NOT NULL DEFAULT 0,
			audio_bitrate INTEGER NOT NULL DEFAULT 0,
			resolution TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (channel_id, platform)
		)`,
		`CREATE TABLE IF NOT EXISTS stream_sessions (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS clips (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			title TEXT NOT NULL DEFAULT '',
			source_key TEXT NOT NULL,
			duration_sec INTEGER NOT NULL DEFAULT 0,
			file_path TEXT NOT NULL,
			thumbnail_path TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), postgresOperationTimeout)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const channelColumns = `id, stream_key, title, category, tags, live_state, current_session_id, created_at, updated_at`

func scanChannel(row pgx.Row) (models.Channel, error) {
	var channel models.Channel
	err := row.Scan(
		&channel.ID,
		&channel.StreamKey,
		&channel.Title,
		&channel.Category,
		&channel.Tags,
		&channel.LiveState,
		&channel.CurrentSessionID,
		&channel.CreatedAt,
		&channel.UpdatedAt,
	)
	return channel, err
}

func (p *Postgres) CreateChannel(title, category string, tags []string) (models.Channel, error) {
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

	ctx, cancel := opContext()
	defer cancel()
	row := p.pool.QueryRow(ctx, `
		INSERT INTO channels (id, stream_key, title, category, tags, live_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+channelColumns,
		id, streamKey, title, strings.TrimSpace(category), normalizeTags(tags), models.LiveStateOffline, now)
	channel, err := scanChannel(row)
	if err != nil {
		return models.Channel{}, fmt.Errorf("create channel: %w", err)
	}
	return channel, nil
}

func (p *Postgres) UpdateChannel(id string, update ChannelUpdate) (models.Channel, error) {
	ctx, cancel := opContext()
	defer cancel()

	existing, ok := p.GetChannel(id)
	if !ok {
		return models.Channel{}, ErrNotFound
	}
	title := existing.Title
	if update.Title != nil {
		title = strings.TrimSpace(*update.Title)
		if title == "" {
			return models.Channel{}, fmt.Errorf("channel title is required")
		}
	}
	category := existing.Category
	if update.Category != nil {
		category = strings.TrimSpace(*update.Category)
	}
	tags := existing.Tags
	if update.Tags != nil {
		tags = normalizeTags(*update.Tags)
	}

	row := p.pool.QueryRow(ctx, `
		UPDATE channels SET title = $2, category = $3, tags = $4, updated_at = $5
		WHERE id = $1
		RETURNING `+channelColumns,
		id, title, category, tags, time.Now().UTC())
	channel, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, ErrNotFound
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("update channel: %w", err)
	}
	return channel, nil
}

func (p *Postgres) RotateStreamKey(id string) (models.Channel, error) {
	streamKey, err := generateStreamKey()
	if err != nil {
		return models.Channel{}, err
	}
	ctx, cancel := opContext()
	defer cancel()
	row := p.pool.QueryRow(ctx, `
		UPDATE channels SET stream_key = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+channelColumns,
		id, streamKey, time.Now().UTC())
	channel, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, ErrNotFound
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("rotate stream key: %w", err)
	}
	return channel, nil
}

func (p *Postgres) DeleteChannel(id string) error {
	ctx, cancel := opContext()
	defer cancel()
	tag, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetChannel(id string) (models.Channel, bool) {
	ctx, cancel := opContext()
	defer cancel()
	row := p.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	channel, err := scanChannel(row)
	if err != nil {
		return models.Channel{}, false
	}
	return channel, true
}

func (p *Postgres) ChannelByStreamKey(streamKey string) (models.Channel, bool) {
	ctx, cancel := opContext()
	defer cancel()
	row := p.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE stream_key = $1`, streamKey)
	channel, err := scanChannel(row)
	if err != nil {
		return models.Channel{}, false
	}
	return channel, true
}

func (p *Postgres) ListChannels() []models.Channel {
	ctx, cancel := opContext()
	defer cancel()
	rows, err := p.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var channels []models.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return channels
		}
		channels = append(channels, channel)
	}
	return channels
}

const targetColumns = `id, channel_id, platform, rtmp_url, stream_key, video_bitrate, audio_bitrate, resolution, enabled, created_at, updated_at`

func scanTarget(row pgx.Row) (models.SimulcastTarget, error) {
	var target models.SimulcastTarget
	err := row.Scan(
		&target.ID,
		&target.ChannelID,
		&target.Platform,
		&target.RTMPURL,
		&target.StreamKey,
		&target.VideoBitrate,
		&target.AudioBitrate,
		&target.Resolution,
		&target.Enabled,
		&target.CreatedAt,
		&target.UpdatedAt,
	)
	return target, err
}

func (p *Postgres) PutSimulcastTarget(channelID string, params TargetParams) (models.SimulcastTarget, error) {
	platform := strings.ToLower(strings.TrimSpace(params.Platform))
	if platform == "" {
		return models.SimulcastTarget{}, fmt.Errorf("platform is required")
	}
	if strings.TrimSpace(params.RTMPURL) == "" {
		return models.SimulcastTarget{}, fmt.Errorf("rtmp url is required")
	}
	if _, ok := p.GetChannel(channelID); !ok {
		return models.SimulcastTarget{}, ErrNotFound
	}

	now := time.Now().UTC()
	ctx, cancel := opContext()
	defer cancel()
	row := p.pool.QueryRow(ctx, `
		INSERT INTO simulcast_targets
			(id, channel_id, platform, rtmp_url, stream_key, video_bitrate, audio_bitrate, resolution, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (channel_id, platform) DO UPDATE SET
			rtmp_url = EXCLUDED.rtmp_url,
			stream_key = EXCLUDED.stream_key,
			video_bitrate = EXCLUDED.video_bitrate,
			audio_bitrate = EXCLUDED.audio_bitrate,
			resolution = EXCLUDED.resolution,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
		RETURNING `+targetColumns,
		uuid.NewString(), channelID, platform, strings.TrimSpace(params.RTMPURL),
		strings.TrimSpace(params.StreamKey), params.VideoBitrate, params.AudioBitrate,
		strings.TrimSpace(params.Resolution), params.Enabled, now)
	target, err := scanTarget(row)
	if err != nil {
		return models.SimulcastTarget{}, fmt.Errorf("put simulcast target: %w", err)
	}
	return target, nil
}

func (p *Postgres) DeleteSimulcastTarget(id string) error {
	ctx, cancel := opContext()
	defer cancel()
	tag, err := p.pool.Exec(ctx, `DELETE FROM simulcast_targets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete simulcast target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListSimulcastTargets(channelID string) []models.SimulcastTarget {
	ctx, cancel := opContext()
	defer cancel()
	rows, err := p.pool.Query(ctx,
		`SELECT `+targetColumns+` FROM simulcast_targets WHERE channel_id = $1 ORDER BY platform`, channelID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var targets []models.SimulcastTarget
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return targets
		}
		targets = append(targets, target)
	}
	return targets
}

func (p *Postgres) StartStream(channelID string) (models.StreamSession, error) {
	if _, ok := p.GetChannel(channelID); !ok {
		return models.StreamSession{}, ErrNotFound
	}
	session := models.StreamSession{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		StartedAt: time.Now().UTC(),
	}
	ctx, cancel := opContext()
	defer cancel()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.StreamSession{}, fmt.Errorf("start stream: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO stream_sessions (id, channel_id, started_at) VALUES ($1, $2, $3)`,
		session.ID, channelID, session.StartedAt); err != nil {
		return models.StreamSession{}, fmt.Errorf("start stream: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE channels SET live_state = $2, current_session_id = $3, updated_at = $4 WHERE id = $1`,
		channelID, models.LiveStateLive, session.ID, session.StartedAt); err != nil {
		return models.StreamSession{}, fmt.Errorf("start stream: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.StreamSession{}, fmt.Errorf("start stream: %w", err)
	}
	return session, nil
}

func (p *Postgres) StopStream(channelID string) (models.StreamSession, error) {
	channel, ok := p.GetChannel(channelID)
	if !ok {
		return models.StreamSession{}, ErrNotFound
	}
	if channel.CurrentSessionID == nil {
		return models.StreamSession{}, fmt.Errorf("channel %s has no active session", channelID)
	}
	now := time.Now().UTC()

	ctx, cancel := opContext()
	defer cancel()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.StreamSession{}, fmt.Errorf("stop stream: %w", err)
	}
	defer tx.Rollback(ctx)

	var session models.StreamSession
	row := tx.QueryRow(ctx,
		`UPDATE stream_sessions SET ended_at = $2 WHERE id = $1 RETURNING id, channel_id, started_at, ended_at`,
		*channel.CurrentSessionID, now)
	if err := row.Scan(&session.ID, &session.ChannelID, &session.StartedAt, &session.EndedAt); err != nil {
		return models.StreamSession{}, fmt.Errorf("stop stream: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE channels SET live_state = $2, current_session_id = NULL, updated_at = $3 WHERE id = $1`,
		channelID, models.LiveStateOffline, now); err != nil {
		return models.StreamSession{}, fmt.Errorf("stop stream: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.StreamSession{}, fmt.Errorf("stop stream: %w", err)
	}
	return session, nil
}

func (p *Postgres) CurrentSession(channelID string) (models.StreamSession, bool) {
	channel, ok := p.GetChannel(channelID)
	if !ok || channel.CurrentSessionID == nil {
		return models.StreamSession{}, false
	}
	ctx, cancel := opContext()
	defer cancel()
	var session models.StreamSession
	row := p.pool.QueryRow(ctx,
		`SELECT id, channel_id, started_at, ended_at FROM stream_sessions WHERE id = $1`,
		*channel.CurrentSessionID)
	if err := row.Scan(&session.ID, &session.ChannelID, &session.StartedAt, &session.EndedAt); err != nil {
		return models.StreamSession{}, false
	}
	return session, true
}

func (p *Postgres) CreateClip(params ClipParams) (models.Clip, error) {
	if _, ok := p.GetChannel(params.ChannelID); !ok {
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
	ctx, cancel := opContext()
	defer cancel()
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO clips (id, channel_id, title, source_key, duration_sec, file_path, thumbnail_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		clip.ID, clip.ChannelID, clip.Title, clip.SourceKey, clip.DurationSec,
		clip.FilePath, clip.ThumbnailPath, clip.CreatedAt); err != nil {
		return models.Clip{}, fmt.Errorf("create clip: %w", err)
	}
	return clip, nil
}

func (p *Postgres) GetClip(id string) (models.Clip, bool) {
	ctx, cancel := opContext()
	defer cancel()
	var clip models.Clip
	row := p.pool.QueryRow(ctx, `
		SELECT id, channel_id, title, source_key, duration_sec, file_path, thumbnail_path, created_at
		FROM clips WHERE id = $1`, id)
	if err := row.Scan(&clip.ID, &clip.ChannelID, &clip.Title, &clip.SourceKey,
		&clip.DurationSec, &clip.FilePath, &clip.ThumbnailPath, &clip.CreatedAt); err != nil {
		return models.Clip{}, false
	}
	return clip, true
}

func (p *Postgres) ListClips(channelID string) []models.Clip {
	ctx, cancel := opContext()
	defer cancel()
	query := `SELECT id, channel_id, title, source_key, duration_sec, file_path, thumbnail_path, created_at
		FROM clips`
	args := []interface{}{}
	if channelID != "" {
		query += ` WHERE channel_id = $1`
		args = append(args, channelID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var clips []models.Clip
	for rows.Next() {
		var clip models.Clip
		if err := rows.Scan(&clip.ID, &clip.ChannelID, &clip.Title, &clip.SourceKey,
			&clip.DurationSec, &clip.FilePath, &clip.ThumbnailPath, &clip.CreatedAt); err != nil {
			return clips
		}
		clips = append(clips, clip)
	}
	return clips
}

func (p *Postgres) DeleteClip(id string) error {
	ctx, cancel := opContext()
	defer cancel()
	tag, err := p.pool.Exec(ctx, `DELETE FROM clips WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete clip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
