package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"symptom-chat/internal/metrics"
	"symptom-chat/pkg/logging"
)

// Forgetter drops a conversation's persisted transcript. Recorders that
// implement it are cleared when their session is deleted or expires.
type Forgetter interface {
	Clear(ctx context.Context, conversationID string) error
}

// Session is one browser conversation and the controller that owns its state.
type Session struct {
	ID         string
	Controller *Controller
	CreatedAt  time.Time

	mu         sync.Mutex
	lastActive time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// LastActive reports when the session last handled a request.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Sessions keeps one Controller per conversation id.
type Sessions struct {
	validator Validator
	predictor Predictor
	recorder  Recorder
	opts      []Option
	metrics   *metrics.FlowMetrics
	logger    *logging.Logger
	timeout   time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	evicting sync.WaitGroup
}

// NewSessions builds a registry. opts are applied to every controller it creates.
func NewSessions(v Validator, p Predictor, r Recorder, m *metrics.FlowMetrics, opts ...Option) *Sessions {
	// Controllers share logger and persistence timeout; read them back once.
	base := NewController(nil, nil, nil, opts...)
	return &Sessions{
		validator: v,
		predictor: p,
		recorder:  r,
		opts:      opts,
		metrics:   m,
		logger:    base.logger,
		timeout:   base.persistTimeout,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

func (s *Sessions) Create(lang string) *Session {
	id := uuid.NewString()
	opts := append([]Option{WithMetrics(s.metrics)}, s.opts...)
	opts = append(opts, WithConversationID(id))
	if lang != "" {
		opts = append(opts, WithLanguage(lang))
	}

	now := s.now()
	sess := &Session{
		ID:         id,
		Controller: NewController(s.validator, s.predictor, s.recorder, opts...),
		CreatedAt:  now,
		lastActive: now,
	}

	s.mu.Lock()
	s.sessions[id] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(n)
	return sess
}

// Get returns the session and marks it active.
func (s *Sessions) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.touch(s.now())
	return sess, nil
}

func (s *Sessions) Delete(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(n)
	if ok {
		s.evict(sess)
	}
	return ok
}

func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops sessions idle for longer than idle and returns how many went.
func (s *Sessions) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	var expired []*Session
	for id, sess := range s.sessions {
		if sess.LastActive().Before(cutoff) {
			delete(s.sessions, id)
			expired = append(expired, sess)
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if len(expired) > 0 {
		s.metrics.SetActiveSessions(n)
	}
	for _, sess := range expired {
		s.evict(sess)
	}
	return len(expired)
}

// evict clears the session's transcript once its pending saves have landed,
// so a late save cannot recreate it.
func (s *Sessions) evict(sess *Session) {
	forgetter, ok := s.recorder.(Forgetter)
	if !ok {
		return
	}
	s.evicting.Add(1)
	go func() {
		defer s.evicting.Done()
		sess.Controller.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := forgetter.Clear(ctx, sess.ID); err != nil {
			s.logger.Warn("failed to clear chat transcript", "session_id", sess.ID, "error", err)
		}
	}()
}

// Wait blocks until every session's detached saves and any transcript
// clean-up have finished.
func (s *Sessions) Wait() {
	s.mu.RLock()
	controllers := make([]*Controller, 0, len(s.sessions))
	for _, sess := range s.sessions {
		controllers = append(controllers, sess.Controller)
	}
	s.mu.RUnlock()

	for _, c := range controllers {
		c.Wait()
	}
	s.evicting.Wait()
}
