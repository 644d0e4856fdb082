// Package control exposes the assistant's actions and queries over HTTP so
// that home automation, buttons or scripts can drive the satellite.
//
//	POST /v1/start[?silence_detection=true|false]
//	POST /v1/start_continuous
//	POST /v1/stop
//	POST /v1/finish
//	GET  /v1/status
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/satellite/internal/assistant"
	"github.com/MrWong99/satellite/internal/observe"
)

// Assistant is the subset of [*assistant.Assistant] the handler uses.
type Assistant interface {
	Start(ctx context.Context, silenceDetection *bool) error
	StartContinuous(ctx context.Context) error
	Stop(ctx context.Context)
	FinishListening(ctx context.Context) error
	Phase() assistant.Phase
	IsConnected() bool
	Session() (assistant.Session, bool)
}

var _ Assistant = (*assistant.Assistant)(nil)

// Status is the body of GET /v1/status.
type Status struct {
	Phase     string         `json:"phase"`
	Running   bool           `json:"running"`
	Connected bool           `json:"connected"`
	Session   *SessionStatus `json:"session,omitempty"`
}

// SessionStatus describes the active session.
type SessionStatus struct {
	ID               string    `json:"id"`
	Phase            string    `json:"phase"`
	StartedAt        time.Time `json:"started_at"`
	Continuous       bool      `json:"continuous"`
	SilenceDetection bool      `json:"silence_detection"`
	Transcript       string    `json:"transcript,omitempty"`
	FramesSent       int       `json:"frames_sent"`
	FramesDropped    int       `json:"frames_dropped"`
}

// Handler serves the control endpoints.
type Handler struct {
	a Assistant
}

// New returns a handler driving a.
func New(a Assistant) *Handler {
	return &Handler{a: a}
}

// Register adds the control routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/start", h.start)
	mux.HandleFunc("POST /v1/start_continuous", h.startContinuous)
	mux.HandleFunc("POST /v1/stop", h.stop)
	mux.HandleFunc("POST /v1/finish", h.finish)
	mux.HandleFunc("GET /v1/status", h.status)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var silence *bool
	if v := r.URL.Query().Get("silence_detection"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "silence_detection must be a boolean")
			return
		}
		silence = &b
	}

	err := h.a.Start(r.Context(), silence)
	switch {
	case errors.Is(err, assistant.ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		observe.Logger(r.Context()).Error("start failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	observe.Logger(r.Context()).Info("session started over http", "silence_detection", silence)
	writeJSON(w, http.StatusAccepted, h.snapshot())
}

func (h *Handler) startContinuous(w http.ResponseWriter, r *http.Request) {
	if err := h.a.StartContinuous(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, h.snapshot())
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	h.a.Stop(r.Context())
	writeJSON(w, http.StatusOK, h.snapshot())
}

func (h *Handler) finish(w http.ResponseWriter, r *http.Request) {
	if err := h.a.FinishListening(r.Context()); err != nil {
		if errors.Is(err, assistant.ErrNotStreaming) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot())
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

func (h *Handler) snapshot() Status {
	phase := h.a.Phase()
	st := Status{
		Phase:     phase.String(),
		Running:   phase != assistant.PhaseIdle,
		Connected: h.a.IsConnected(),
	}
	if s, ok := h.a.Session(); ok {
		st.Session = &SessionStatus{
			ID:               s.ID,
			Phase:            s.Phase.String(),
			StartedAt:        s.StartedAt,
			Continuous:       s.Continuous,
			SilenceDetection: s.SilenceDetection,
			Transcript:       s.Transcript,
			FramesSent:       s.FramesSent,
			FramesDropped:    s.FramesDropped,
		}
	}
	return st
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
