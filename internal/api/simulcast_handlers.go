package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"streamcast/internal/media"
	"streamcast/internal/media/simulcast"
	"streamcast/internal/models"
	"streamcast/internal/storage"
)

type putTargetRequest struct {
	Platform     string `json:"platform"`
	RTMPURL      string `json:"rtmpUrl"`
	StreamKey    string `json:"streamKey"`
	VideoBitrate int    `json:"videoBitrateKbps"`
	AudioBitrate int    `json:"audioBitrateKbps"`
	Resolution   string `json:"resolution"`
	Enabled      bool   `json:"enabled"`
}

type targetResponse struct {
	ID           string `json:"id"`
	ChannelID    string `json:"channelId"`
	Platform     string `json:"platform"`
	RTMPURL      string `json:"rtmpUrl"`
	VideoBitrate int    `json:"videoBitrateKbps,omitempty"`
	AudioBitrate int    `json:"audioBitrateKbps,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
	Enabled      bool   `json:"enabled"`
	UpdatedAt    string `json:"updatedAt"`
}

func toTargetResponse(target models.SimulcastTarget) targetResponse {
	return targetResponse{
		ID:           target.ID,
		ChannelID:    target.ChannelID,
		Platform:     target.Platform,
		RTMPURL:      target.RTMPURL,
		VideoBitrate: target.VideoBitrate,
		AudioBitrate: target.AudioBitrate,
		Resolution:   target.Resolution,
		Enabled:      target.Enabled,
		UpdatedAt:    target.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type relayResponse struct {
	Platform   string `json:"platform"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	PID        int    `json:"pid,omitempty"`
	LastUpdate string `json:"lastUpdate"`
}

type simulcastSessionResponse struct {
	StreamKey string          `json:"streamKey"`
	StartedAt string          `json:"startedAt"`
	LiveCount int             `json:"liveCount"`
	Relays    []relayResponse `json:"relays"`
}

func toSessionResponse(session simulcast.Session) simulcastSessionResponse {
	relays := make([]relayResponse, 0, len(session.Relays))
	for _, relay := range session.Relays {
		relays = append(relays, relayResponse{
			Platform:   relay.Platform,
			Status:     relay.Status,
			Error:      relay.Error,
			PID:        relay.PID,
			LastUpdate: relay.LastUpdate.UTC().Format(time.RFC3339),
		})
	}
	return simulcastSessionResponse{
		StreamKey: session.StreamKey,
		StartedAt: session.StartedAt.UTC().Format(time.RFC3339),
		LiveCount: session.LiveCount(),
		Relays:    relays,
	}
}

func (h *Handler) PutSimulcastTarget(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	var req putTargetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := h.Store.PutSimulcastTarget(channelID, storage.TargetParams{
		Platform:     req.Platform,
		RTMPURL:      req.RTMPURL,
		StreamKey:    req.StreamKey,
		VideoBitrate: req.VideoBitrate,
		AudioBitrate: req.AudioBitrate,
		Resolution:   req.Resolution,
		Enabled:      req.Enabled,
	})
	if err != nil {
		writeError(w, storageStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toTargetResponse(target))
}

func (h *Handler) ListSimulcastTargets(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if _, ok := h.Store.GetChannel(channelID); !ok {
		writeError(w, http.StatusNotFound, errors.New("channel not found"))
		return
	}
	targets := h.Store.ListSimulcastTargets(channelID)
	out := make([]targetResponse, 0, len(targets))
	for _, target := range targets {
		out = append(out, toTargetResponse(target))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"targets": out})
}

func (h *Handler) DeleteSimulcastTarget(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "targetID")
	if err := h.Store.DeleteSimulcastTarget(targetID); err != nil {
		writeError(w, storageStatus(err), err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// StartSimulcast launches relays for a live stream. The response enumerates
// every relay's individual outcome; launching zero reachable platforms is
// still a 200 with each relay marked FAILED.
func (h *Handler) StartSimulcast(w http.ResponseWriter, r *http.Request) {
	streamKey := chi.URLParam(r, "streamKey")
	session, err := h.Pipeline.StartSimulcast(streamKey, nil)
	if err != nil {
		if errors.Is(err, media.ErrUnknownStreamKey) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *Handler) StopSimulcast(w http.ResponseWriter, r *http.Request) {
	streamKey := chi.URLParam(r, "streamKey")
	h.Pipeline.StopSimulcast(streamKey)
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) SimulcastStatus(w http.ResponseWriter, r *http.Request) {
	streamKey := chi.URLParam(r, "streamKey")
	session, ok := h.Pipeline.SimulcastStatus(streamKey)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no simulcast session"))
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *Handler) ListSimulcast(w http.ResponseWriter, r *http.Request) {
	sessions := h.Pipeline.ListSimulcast()
	out := make([]simulcastSessionResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, toSessionResponse(session))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}
