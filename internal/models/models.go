package models

import "time"

// LiveState values reported for a channel.
const (
	LiveStateOffline = "offline"
	LiveStateLive    = "live"
)

// Channel is one logical broadcast source. The stream key doubles as the RTMP
// publish path suffix and the HLS output directory name, so it must stay
// filesystem-safe.
type Channel struct {
	ID               string    `json:"id"`
	StreamKey        string    `json:"streamKey"`
	Title            string    `json:"title"`
	Category         string    `json:"category,omitempty"`
	Tags             []string  `json:"tags"`
	LiveState        string    `json:"liveState"`
	CurrentSessionID *string   `json:"currentSessionId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// SimulcastTarget is one configured relay destination for a channel. The
// destination stream key is the credential issued by the external platform,
// not the channel's own stream key.
type SimulcastTarget struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channelId"`
	Platform      string    `json:"platform"`
	RTMPURL       string    `json:"rtmpUrl"`
	StreamKey     string    `json:"streamKey"`
	VideoBitrate  int       `json:"videoBitrate,omitempty"`
	AudioBitrate  int       `json:"audioBitrate,omitempty"`
	Resolution    string    `json:"resolution,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// StreamSession records one live broadcast on a channel.
type StreamSession struct {
	ID          string     `json:"id"`
	ChannelID   string     `json:"channelId"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	PlaybackURL string     `json:"playbackUrl,omitempty"`
}

// Clip is an extracted highlight from a live broadcast, stored as
// {clipRoot}/{id}/clip.mp4 with a poster frame alongside.
type Clip struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channelId"`
	Title         string    `json:"title"`
	SourceKey     string    `json:"sourceKey"`
	DurationSec   int       `json:"durationSec"`
	FilePath      string    `json:"filePath"`
	ThumbnailPath string    `json:"thumbnailPath,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
