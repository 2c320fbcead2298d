package storage

import (
	"context"
	"errors"

	"streamcast/internal/models"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ChannelUpdate carries optional field changes for a channel.
type ChannelUpdate struct {
	Title    *string
	Category *string
	Tags     *[]string
}

// TargetParams describes a simulcast destination to create or replace.
type TargetParams struct {
	Platform     string
	RTMPURL      string
	StreamKey    string
	VideoBitrate int
	AudioBitrate int
	Resolution   string
	Enabled      bool
}

// ClipParams describes a clip record to persist.
type ClipParams struct {
	ChannelID     string
	Title         string
	SourceKey     string
	DurationSec   int
	FilePath      string
	ThumbnailPath string
}

// Repository exposes the datastore operations required by the API handlers
// and the ingest pipeline: channel identity (stream keys), configured relay
// targets, session boundaries, and clip metadata.
type Repository interface {
	Ping(ctx context.Context) error

	CreateChannel(title, category string, tags []string) (models.Channel, error)
	UpdateChannel(id string, update ChannelUpdate) (models.Channel, error)
	RotateStreamKey(id string) (models.Channel, error)
	DeleteChannel(id string) error
	GetChannel(id string) (models.Channel, bool)
	ChannelByStreamKey(streamKey string) (models.Channel, bool)
	ListChannels() []models.Channel

	PutSimulcastTarget(channelID string, params TargetParams) (models.SimulcastTarget, error)
	DeleteSimulcastTarget(id string) error
	ListSimulcastTargets(channelID string) []models.SimulcastTarget

	StartStream(channelID string) (models.StreamSession, error)
	StopStream(channelID string) (models.StreamSession, error)
	CurrentSession(channelID string) (models.StreamSession, bool)

	CreateClip(params ClipParams) (models.Clip, error)
	GetClip(id string) (models.Clip, bool)
	ListClips(channelID string) []models.Clip
	DeleteClip(id string) error

	Close(ctx context.Context) error
}
