package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"streamcast/internal/media/clips"
	"streamcast/internal/models"
)

type createClipRequest struct {
	ChannelID   string `json:"channelId"`
	Title       string `json:"title"`
	DurationSec int    `json:"durationSec"`
}

type clipResponse struct {
	ID          string `json:"id"`
	ChannelID   string `json:"channelId"`
	Title       string `json:"title,omitempty"`
	SourceKey   string `json:"sourceKey"`
	DurationSec int    `json:"durationSec"`
	HasThumb    bool   `json:"hasThumbnail"`
	CreatedAt   string `json:"createdAt"`
}

func toClipResponse(clip models.Clip) clipResponse {
	return clipResponse{
		ID:          clip.ID,
		ChannelID:   clip.ChannelID,
		Title:       clip.Title,
		SourceKey:   clip.SourceKey,
		DurationSec: clip.DurationSec,
		HasThumb:    clip.ThumbnailPath != "",
		CreatedAt:   clip.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// CreateClip captures an excerpt from the channel's live broadcast. The
// capture runs synchronously; clients should expect the request to take
// roughly the clip duration.
func (h *Handler) CreateClip(w http.ResponseWriter, r *http.Request) {
	if h.Clips == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("clip capture unavailable"))
		return
	}
	var req createClipRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	channel, ok := h.Store.GetChannel(req.ChannelID)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("channel not found"))
		return
	}
	if channel.LiveState != models.LiveStateLive {
		writeError(w, http.StatusConflict, errors.New("channel is not live"))
		return
	}
	clip, err := h.Clips.Extract(clips.Request{
		ChannelID:   channel.ID,
		StreamKey:   channel.StreamKey,
		Title:       req.Title,
		DurationSec: req.DurationSec,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClipResponse(clip))
}

func (h *Handler) ListClips(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channelId")
	clipsList := h.Store.ListClips(channelID)
	out := make([]clipResponse, 0, len(clipsList))
	for _, clip := range clipsList {
		out = append(out, toClipResponse(clip))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clips": out})
}

func (h *Handler) GetClip(w http.ResponseWriter, r *http.Request) {
	clip, ok := h.Store.GetClip(chi.URLParam(r, "clipID"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("clip not found"))
		return
	}
	writeJSON(w, http.StatusOK, toClipResponse(clip))
}

// DownloadClip streams the clip file itself.
func (h *Handler) DownloadClip(w http.ResponseWriter, r *http.Request) {
	clip, ok := h.Store.GetClip(chi.URLParam(r, "clipID"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("clip not found"))
		return
	}
	if _, err := os.Stat(clip.FilePath); err != nil {
		writeError(w, http.StatusNotFound, errors.New("clip file missing"))
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, clip.FilePath)
}

func (h *Handler) DeleteClip(w http.ResponseWriter, r *http.Request) {
	clipID := chi.URLParam(r, "clipID")
	clip, ok := h.Store.GetClip(clipID)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("clip not found"))
		return
	}
	if err := h.Store.DeleteClip(clipID); err != nil {
		writeError(w, storageStatus(err), err)
		return
	}
	if clip.FilePath != "" {
		// Remove the clip's directory (clip plus thumbnail).
		_ = os.RemoveAll(filepath.Dir(clip.FilePath))
	}
	writeJSON(w, http.StatusNoContent, nil)
}
