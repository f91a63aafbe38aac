package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bigmoletos/whisper-sub001/internal/session"
	"github.com/bigmoletos/whisper-sub001/internal/transcript"
)

// stopTimeout bounds the blocking close sequence when a stop arrives over
// the control API. Reconciliation on long sessions dominates it.
const stopTimeout = 5 * time.Minute

// api is the session control surface. Handlers translate manager and
// session errors into statuses; everything else is a 500.
type api struct {
	manager *Manager
	log     *slog.Logger
}

func newAPI(manager *Manager, log *slog.Logger) *api {
	return &api{
		manager: manager,
		log:     log.With(slog.String("component", "api")),
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", a.handleCreate)
	mux.HandleFunc("GET /v1/sessions", a.handleList)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleGet)
	mux.HandleFunc("POST /v1/sessions/{id}/pause", a.handlePause)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", a.handleResume)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", a.handleStop)
	mux.HandleFunc("POST /v1/sessions/{id}/resume-checkpoint", a.handleResumeCheckpoint)
	mux.HandleFunc("POST /v1/sessions/{id}/speakers/{label}/rename", a.handleRenameSpeaker)
}

// sessionView is the JSON shape of one session on the control API.
type sessionView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	State        string     `json:"state"`
	Participants []string   `json:"participants,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Segments     int64      `json:"segments"`
	Reconciled   bool       `json:"reconciled"`
}

func viewOf(info session.Info) sessionView {
	v := sessionView{
		ID:           info.ID,
		Name:         info.Name,
		State:        string(info.State),
		Participants: info.Participants,
		StartedAt:    info.StartedAt,
		Segments:     info.Segments,
		Reconciled:   info.Reconciled,
	}
	if !info.EndedAt.IsZero() {
		ended := info.EndedAt
		v.EndedAt = &ended
	}
	return v
}

type createRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
	RetainAudio  bool     `json:"retain_audio"`
}

func (a *api) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sess, err := a.manager.Create(r.Context(), req.Name, req.Participants, req.RetainAudio)
	if err != nil {
		a.fail(w, "create session", err)
		return
	}
	a.writeJSON(w, http.StatusCreated, viewOf(sess.Info()))
}

func (a *api) handleList(w http.ResponseWriter, _ *http.Request) {
	infos := a.manager.List()
	views := make([]sessionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, viewOf(info))
	}
	a.writeJSON(w, http.StatusOK, views)
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.manager.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, viewOf(sess.Info()))
}

func (a *api) handlePause(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(w, r, func(sess *session.Session) error { return sess.Pause() })
}

func (a *api) handleResume(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(w, r, func(sess *session.Session) error { return sess.Resume() })
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	// The close sequence must finish even if the caller goes away.
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	a.lifecycle(w, r, func(sess *session.Session) error { return sess.Stop(ctx) })
}

func (a *api) lifecycle(w http.ResponseWriter, r *http.Request, op func(*session.Session) error) {
	sess, ok := a.manager.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if err := op(sess); err != nil {
		a.fail(w, "session lifecycle", err)
		return
	}
	a.writeJSON(w, http.StatusOK, viewOf(sess.Info()))
}

func (a *api) handleResumeCheckpoint(w http.ResponseWriter, r *http.Request) {
	sess, err := a.manager.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, "resume session", err)
		return
	}
	a.writeJSON(w, http.StatusOK, viewOf(sess.Info()))
}

type renameRequest struct {
	Name string `json:"name"`
}

func (a *api) handleRenameSpeaker(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.manager.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "name must not be empty", http.StatusBadRequest)
		return
	}
	if err := sess.RenameSpeaker(r.Context(), r.PathValue("label"), req.Name); err != nil {
		a.fail(w, "rename speaker", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("response not written", slog.String("error", err.Error()))
	}
}

// fail maps the known error kinds to statuses. Unknown ids and labels are
// 404, lifecycle and resume conflicts 409, everything else 500.
func (a *api) fail(w http.ResponseWriter, op string, err error) {
	var invalid session.ErrInvalidTransition
	switch {
	case errors.Is(err, ErrUnknownSession),
		errors.Is(err, transcript.ErrUnknownSpeaker),
		errors.Is(err, os.ErrNotExist):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrSessionActive),
		errors.Is(err, session.ErrTerminal),
		errors.As(err, &invalid):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		a.log.Error(op+" failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
