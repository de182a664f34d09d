// Package rpc serves the JSON management API for VoiceBridge: voice.join,
// voice.leave, voice.speak, and voice.status. It is mounted on the same
// net/http mux as the health endpoints so the process exposes a single HTTP
// surface rather than a second framework.
package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/relaywave/voicebridge/internal/config"
	"github.com/relaywave/voicebridge/internal/voice"
)

// Handler serves the /rpc management endpoint.
type Handler struct {
	manager    *voice.Manager
	engineMode config.EngineMode
}

// New creates a [Handler] backed by manager. engineMode is reported verbatim
// in voice.status responses.
func New(manager *voice.Manager, engineMode config.EngineMode) *Handler {
	return &Handler{manager: manager, engineMode: engineMode}
}

// request is the JSON body accepted by POST /rpc.
type request struct {
	Method string `json:"method"`
	Params struct {
		GuildID   string `json:"guildId"`
		ChannelID string `json:"channelId"`
		Text      string `json:"text"`
	} `json:"params"`
}

// errorResponse is the JSON body returned on any failure: a single "error"
// string.
type errorResponse struct {
	Error string `json:"error"`
}

// Register adds the /rpc route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /rpc", h.serveRPC)
}

func (h *Handler) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	ctx := r.Context()
	switch req.Method {
	case "voice.join":
		h.join(ctx, w, req.Params.GuildID, req.Params.ChannelID)
	case "voice.leave":
		h.leave(ctx, w, req.Params.GuildID)
	case "voice.speak":
		h.speak(ctx, w, req.Params.GuildID, req.Params.Text)
	case "voice.status":
		h.status(w, req.Params.GuildID)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown method: " + req.Method})
	}
}

func (h *Handler) join(ctx context.Context, w http.ResponseWriter, guildID, channelID string) {
	sess, err := h.manager.Join(ctx, guildID, channelID)
	if err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"guildId":   guildID,
		"channelId": sess.ChannelID(),
		"mode":      string(h.engineMode),
	})
}

func (h *Handler) leave(ctx context.Context, w http.ResponseWriter, guildID string) {
	if err := h.manager.Leave(ctx, guildID); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"guildId": guildID})
}

func (h *Handler) speak(ctx context.Context, w http.ResponseWriter, guildID, text string) {
	sess, ok := h.manager.Get(guildID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active session for guild " + guildID})
		return
	}
	if err := sess.Speak(ctx, text); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"guildId": guildID, "spoken": text})
}

func (h *Handler) status(w http.ResponseWriter, guildID string) {
	activeGuilds := h.manager.ActiveGuilds()

	resp := map[string]any{
		"running":      true,
		"mode":         string(h.engineMode),
		"engineMode":   string(h.engineMode),
		"activeGuilds": activeGuilds,
	}

	if guildID != "" {
		sess, ok := h.manager.Get(guildID)
		resp["active"] = ok
		if ok {
			resp["state"] = sess.State().String()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failure"}`, http.StatusInternalServerError)
	}
}
