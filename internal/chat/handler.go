package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"symptom-chat/pkg/logging"
)

// Catalog exposes backend metadata for the UI.
type Catalog interface {
	Info(ctx context.Context) (*ModelInfo, error)
	Symptoms(ctx context.Context) ([]string, error)
}

// Reporter builds and shares PDF health reports.
type Reporter interface {
	Generate(ctx context.Context, userName string, p *Prediction) ([]byte, error)
	Share(ctx context.Context, userName string, p *Prediction) error
	FileName(t time.Time) string
}

// HistoryReader lists a conversation's persisted messages, oldest first.
type HistoryReader interface {
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// DiagnosisLister lists past diagnoses across conversations.
type DiagnosisLister interface {
	Diagnoses(ctx context.Context, limit int) ([]DiagnosisEntry, error)
}

type HandlerDeps struct {
	Catalog   Catalog
	Reports   Reporter
	History   HistoryReader
	Diagnoses DiagnosisLister
	Logger    *logging.Logger
}

type Handler struct {
	sessions  *Sessions
	catalog   Catalog
	reports   Reporter
	history   HistoryReader
	diagnoses DiagnosisLister
	logger    *logging.Logger
	now       func() time.Time
}

func NewHandler(sessions *Sessions, deps HandlerDeps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		sessions:  sessions,
		catalog:   deps.Catalog,
		reports:   deps.Reports,
		history:   deps.History,
		diagnoses: deps.Diagnoses,
		logger:    logger,
		now:       time.Now,
	}
}

type CreateSessionRequest struct {
	Lang string `json:"lang"`
}

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	Language  string `json:"language"`
	Greeting  string `json:"greeting"`
}

type SessionResponse struct {
	SessionID string `json:"session_id"`
	State
}

type MessageRequest struct {
	Text string `json:"text"`
}

type LanguageRequest struct {
	Lang string `json:"lang"`
}

type ReportRequest struct {
	Name string `json:"name"`
}

// StreamEvent is one frame on the websocket or the SSE stream.
type StreamEvent struct {
	Type    string   `json:"type"`
	Outcome *Outcome `json:"outcome,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// InboundEvent is what a websocket client sends.
type InboundEvent struct {
	Type string `json:"type"` // "message", "reset", "language", "ping"
	Text string `json:"text,omitempty"`
	Lang string `json:"lang,omitempty"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
	}

	sess := h.sessions.Create(req.Lang)
	h.logger.Info("chat session created", "session_id", sess.ID, "language", sess.Controller.Language())

	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID: sess.ID,
		Language:  sess.Controller.Language(),
		Greeting:  Greeting(),
	})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{SessionID: sess.ID, State: sess.Controller.Snapshot()})
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Delete(chi.URLParam(r, "id")) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	out := sess.Controller.SubmitUtterance(r.Context(), req.Text)
	writeJSON(w, http.StatusOK, out)
}

// StreamMessage submits one utterance and streams every outcome it produces
// as server-sent events, so the "analyzing" notice arrives before the diagnosis.
func (h *Handler) StreamMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan StreamEvent, 4)
	go func() {
		defer close(events)
		// Only this submission's notices; other clients share the controller.
		ctx := WithObserver(r.Context(), func(o Outcome) {
			if o.Kind == OutcomeAnalyzing {
				events <- StreamEvent{Type: "outcome", Outcome: &o}
			}
		})
		out := sess.Controller.SubmitUtterance(ctx, req.Text)
		events <- StreamEvent{Type: "outcome", Outcome: &out}
	}()

	for event := range events {
		data, _ := json.Marshal(event)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Controller.Reset())
}

func (h *Handler) SetLanguage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req LanguageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	sess.Controller.SetLanguage(req.Lang)
	writeJSON(w, http.StatusOK, map[string]string{"language": sess.Controller.Language()})
}

// HandleWebSocket upgrades to a websocket that carries every published outcome.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r, sess)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, r *http.Request, sess *Session) {
	// Closing the socket cancels submissions still talking to the backend.
	ctx, cancel := context.WithCancel(r.Context())
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
	}()
	// Hijacked connections keep the server's deadlines.
	_ = conn.SetReadDeadline(time.Time{})

	var sendMu sync.Mutex
	send := func(ev StreamEvent) {
		sendMu.Lock()
		defer sendMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := websocket.JSON.Send(conn, ev); err != nil {
			h.logger.Debug("chat: websocket send failed", "session_id", sess.ID, "error", err)
		}
	}

	unsubscribe := sess.Controller.Subscribe(func(o Outcome) {
		send(StreamEvent{Type: "outcome", Outcome: &o})
	})
	defer unsubscribe()

	h.logger.Info("chat: websocket opened", "session_id", sess.ID)

	for {
		var msg InboundEvent
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			h.logger.Debug("chat: websocket closed", "session_id", sess.ID, "error", err)
			return
		}

		switch msg.Type {
		case "ping":
			send(StreamEvent{Type: "pong"})
		case "reset":
			sess.Controller.Reset()
		case "language":
			sess.Controller.SetLanguage(msg.Lang)
		case "message":
			if strings.TrimSpace(msg.Text) == "" {
				continue
			}
			// Submissions run off the read loop so a reset can supersede them.
			inflight.Add(1)
			go func(text string) {
				defer inflight.Done()
				sess.Controller.SubmitUtterance(ctx, text)
			}(msg.Text)
		default:
			send(StreamEvent{Type: "error", Text: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

func (h *Handler) DownloadReport(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.reports == nil {
		http.Error(w, "Reports are not available", http.StatusNotImplemented)
		return
	}
	prediction := sess.Controller.LastPrediction()
	if prediction == nil {
		http.Error(w, "No diagnosis to report", http.StatusNotFound)
		return
	}

	pdf, err := h.reports.Generate(r.Context(), reportName(r.URL.Query().Get("name")), prediction)
	if err != nil {
		h.logger.Error("failed to generate report", "session_id", sess.ID, "error", err)
		http.Error(w, "Failed to generate report", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", h.reports.FileName(h.now())))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	_, _ = w.Write(pdf)
}

func (h *Handler) ShareReport(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.reports == nil {
		http.Error(w, "Reports are not available", http.StatusNotImplemented)
		return
	}
	var req ReportRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
	}

	err := h.reports.Share(r.Context(), reportName(req.Name), sess.Controller.LastPrediction())
	switch {
	case errors.Is(err, ErrNoPrediction):
		http.Error(w, "No diagnosis to report", http.StatusNotFound)
		return
	case errors.Is(err, ErrSharingDisabled):
		http.Error(w, "Report sharing is not configured", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.logger.Error("failed to share report", "session_id", sess.ID, "error", err)
		http.Error(w, "Failed to share report", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []Message{}})
		return
	}

	msgs, err := h.history.History(r.Context(), sess.ID, queryInt(r, "limit", 100))
	if err != nil {
		h.logger.Error("failed to load history", "session_id", sess.ID, "error", err)
		http.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handler) ListDiagnoses(w http.ResponseWriter, r *http.Request) {
	if h.diagnoses == nil {
		writeJSON(w, http.StatusOK, map[string]any{"diagnoses": []DiagnosisEntry{}})
		return
	}
	entries, err := h.diagnoses.Diagnoses(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		h.logger.Error("failed to list diagnoses", "error", err)
		http.Error(w, "Failed to list diagnoses", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []DiagnosisEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagnoses": entries})
}

func (h *Handler) GetInfo(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		http.Error(w, "Model info not available", http.StatusNotImplemented)
		return
	}
	info, err := h.catalog.Info(r.Context())
	if err != nil {
		h.logger.Warn("failed to fetch model info", "error", err)
		http.Error(w, "Model info not available", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) GetSymptoms(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"symptoms": []string{}, "success": false})
		return
	}
	symptoms, err := h.catalog.Symptoms(r.Context())
	if err != nil {
		h.logger.Warn("failed to fetch symptom list", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"symptoms": []string{}, "success": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symptoms": symptoms, "success": true})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func reportName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Guest"
	}
	return name
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/sessions", h.CreateSession)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.DeleteSession)
		r.Post("/messages", h.SubmitMessage)
		r.Post("/messages/stream", h.StreamMessage)
		r.Post("/reset", h.ResetSession)
		r.Put("/language", h.SetLanguage)
		r.Get("/ws", h.HandleWebSocket)
		r.Get("/history", h.GetHistory)
		r.Get("/report", h.DownloadReport)
		r.Post("/report/share", h.ShareReport)
	})
	r.Get("/diagnoses", h.ListDiagnoses)
	r.Get("/info", h.GetInfo)
	r.Get("/symptoms", h.GetSymptoms)
}
