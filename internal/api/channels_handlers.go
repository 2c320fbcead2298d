package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"streamcast/internal/models"
	"streamcast/internal/storage"
)

type createChannelRequest struct {
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

type updateChannelRequest struct {
	Title    *string   `json:"title"`
	Category *string   `json:"category"`
	Tags     *[]string `json:"tags"`
}

type channelResponse struct {
	ID               string   `json:"id"`
	StreamKey        string   `json:"streamKey"`
	Title            string   `json:"title"`
	Category         string   `json:"category,omitempty"`
	Tags             []string `json:"tags"`
	LiveState        string   `json:"liveState"`
	CurrentSessionID *string  `json:"currentSessionId,omitempty"`
	CreatedAt        string   `json:"createdAt"`
	UpdatedAt        string   `json:"updatedAt"`
}

func toChannelResponse(channel models.Channel) channelResponse {
	tags := channel.Tags
	if tags == nil {
		tags = []string{}
	}
	return channelResponse{
		ID:               channel.ID,
		StreamKey:        channel.StreamKey,
		Title:            channel.Title,
		Category:         channel.Category,
		Tags:             tags,
		LiveState:        channel.LiveState,
		CurrentSessionID: channel.CurrentSessionID,
		CreatedAt:        channel.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        channel.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	channel, err := h.Store.CreateChannel(req.Title, req.Category, req.Tags)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChannelResponse(channel))
}

func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels := h.Store.ListChannels()
	out := make([]channelResponse, 0, len(channels))
	for _, channel := range channels {
		out = append(out, toChannelResponse(channel))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": out})
}

func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	channel, ok := h.Store.GetChannel(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("channel not found"))
		return
	}
	writeJSON(w, http.StatusOK, toChannelResponse(channel))
}

func (h *Handler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	var req updateChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	channel, err := h.Store.UpdateChannel(id, storage.ChannelUpdate{
		Title:    req.Title,
		Category: req.Category,
		Tags:     req.Tags,
	})
	if err != nil {
		writeError(w, storageStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toChannelResponse(channel))
}

// RotateStreamKey replaces the channel's stream key. An active broadcast on
// the old key keeps running; the new key applies to the next publish.
func (h *Handler) RotateStreamKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	channel, err := h.Store.RotateStreamKey(id)
	if err != nil {
		writeError(w, storageStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toChannelResponse(channel))
}

func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	channel, ok := h.Store.GetChannel(id)
	if ok {
		h.Pipeline.StopStream(channel.StreamKey, "channel deleted")
	}
	if err := h.Store.DeleteChannel(id); err != nil {
		writeError(w, storageStatus(err), err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func storageStatus(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
