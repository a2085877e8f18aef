// Package server exposes the pipeline's external interface (spec §6)
// as HTTP handlers, plus a WebSocket endpoint that streams a session's
// progress until it reaches a terminal state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/vidpipe/pipeline/internal/artifact"
	apperrors "github.com/vidpipe/pipeline/internal/errors"
	"github.com/vidpipe/pipeline/internal/model"
	"github.com/vidpipe/pipeline/internal/orchestrator"
	"github.com/vidpipe/pipeline/internal/session"
	"github.com/vidpipe/pipeline/internal/trace"
)

// rateLimiter tracks request timestamps using a sliding window, used to
// bound how fast a single client can submit sessions.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-IPRateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= IPRateLimitMessages {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// Server drives the caller-facing API over the SessionManager and
// Orchestrator.
type Server struct {
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
	store    *artifact.Store

	mu     sync.Mutex
	limits map[string]*rateLimiter
}

// New wires a Server against the manager it exposes and the
// orchestrator it dispatches submitted sessions to.
func New(sessions *session.Manager, orch *orchestrator.Orchestrator, store *artifact.Store) *Server {
	return &Server{
		sessions: sessions,
		orch:     orch,
		store:    store,
		limits:   make(map[string]*rateLimiter),
	}
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", s.handleSubmit)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("GET /sessions/active", s.handleGetActive)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetStatus)
	mux.HandleFunc("GET /sessions/{id}/result", s.handleGetResult)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)

	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitFor(remoteAddr string) *rateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.limits[remoteAddr]
	if !ok {
		rl = &rateLimiter{}
		s.limits[remoteAddr] = rl
	}
	return rl
}

// submitRequest is the wire shape spec §6's SubmitSession takes.
type submitRequest struct {
	Mode          string            `json:"mode"`
	Title         string            `json:"title"`
	Language      string            `json:"language"`
	STTPreference string            `json:"stt_preference"`
	Source        model.Source      `json:"source"`
	Options       submitOptions     `json:"options"`
	ModeOptions   map[string]string `json:"mode_options,omitempty"`
}

type submitOptions struct {
	MaxKeyframes    int      `json:"max_keyframes"`
	SegmentPipeline bool     `json:"segment_pipeline"`
	MergeGapSec     float64  `json:"merge_gap_sec"`
	MinSegmentSec   float64  `json:"min_segment_sec"`
	Attendees       []string `json:"attendees"`
	Keywords        []string `json:"keywords"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimitFor(r.RemoteAddr).allow() {
		writeError(w, http.StatusTooManyRequests, apperrors.New(apperrors.KindInputInvalid, "rate limit exceeded"))
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Wrap(err, apperrors.KindInputInvalid, "decode submit request"))
		return
	}
	if req.Mode == "" || req.Source.Path == "" {
		writeError(w, http.StatusBadRequest, apperrors.New(apperrors.KindInputInvalid, "mode and source.path are required"))
		return
	}

	id := uuid.NewString()
	_, err := s.sessions.Create(id, session.Metadata{
		Mode:          req.Mode,
		Title:         req.Title,
		Language:      req.Language,
		STTPreference: model.STTPreference(req.STTPreference),
		Source:        req.Source,
		ModeOptions:   req.ModeOptions,
	})
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	opts := orchestrator.Options{
		MaxKeyframes:    req.Options.MaxKeyframes,
		SegmentPipeline: req.Options.SegmentPipeline,
		MergeGapSec:     req.Options.MergeGapSec,
		MinSegmentSec:   req.Options.MinSegmentSec,
		Attendees:       req.Options.Attendees,
		Keywords:        req.Options.Keywords,
	}

	go func() {
		ctx := context.Background()
		if _, err := s.orch.Run(ctx, id, opts); err != nil {
			trace.Logger(ctx).Error("session run failed", "session_id", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

type statusResponse struct {
	Status     model.Status     `json:"status"`
	Progress   int              `json:"progress"`
	StageLabel string           `json:"stage_label"`
	Error      *model.ErrorInfo `json:"error,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     sess.Status,
		Progress:   sess.Progress,
		StageLabel: sess.StageLabel,
		Error:      sess.Error,
	})
}

type resultResponse struct {
	DocPayload        string                           `json:"doc_payload,omitempty"`
	Transcript        []model.TranscriptSegment        `json:"transcript,omitempty"`
	KeyframesManifest []artifact.KeyframeManifestEntry `json:"keyframes_manifest,omitempty"`
	STTAdapterUsed    string                           `json:"stt_adapter_used,omitempty"`
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if sess.Status != model.StatusCompleted {
		writeError(w, http.StatusConflict, apperrors.Newf(apperrors.KindInternal, "session %q is not completed", id))
		return
	}

	dir, err := s.store.Root(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := resultResponse{STTAdapterUsed: sess.STTAdapterUsed}
	if len(sess.DocPayload) > 0 {
		resp.DocPayload = string(sess.DocPayload)
	}
	if data, err := s.store.Get(dir, "transcript.json"); err == nil {
		_ = json.Unmarshal(data, &resp.Transcript)
	}
	if data, err := s.store.Get(dir, "keyframes.json"); err == nil {
		_ = json.Unmarshal(data, &resp.KeyframesManifest)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Cancel(r.PathValue("id")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetActive(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetActive()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := session.Filter{
		Status: model.Status(r.URL.Query().Get("status")),
		Mode:   r.URL.Query().Get("mode"),
	}
	list, err := s.sessions.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleStream upgrades to a WebSocket and pushes the session's status
// on every change until it reaches a terminal state, per spec §1's
// "streams progress" requirement.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		trace.Logger(r.Context()).Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx := r.Context()
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	lastProgress := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess, err := s.sessions.Get(id)
			if err != nil {
				return
			}
			if sess.Progress == lastProgress && !sess.Status.Terminal() {
				continue
			}
			lastProgress = sess.Progress
			if err := wsjson.Write(ctx, conn, statusResponse{
				Status:     sess.Status,
				Progress:   sess.Progress,
				StageLabel: sess.StageLabel,
				Error:      sess.Error,
			}); err != nil {
				return
			}
			if sess.Status.Terminal() {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		writeJSON(w, status, appErr.ToRecord())
		return
	}
	writeJSON(w, status, apperrors.Record{Kind: apperrors.KindInternal, Message: err.Error()})
}
