package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symptom-chat/internal/metrics"
	"symptom-chat/pkg/logging"
)

func newTestSessions(m *metrics.FlowMetrics) *Sessions {
	return NewSessions(
		newStubValidator(defaultMatches()),
		&stubPredictor{result: influenza()},
		nil,
		m,
		WithThinkingDelay(0),
		WithLogger(logging.Discard()),
	)
}

// forgettingRecorder logs saves and clears in order. Saves wait for gate when
// it is set.
type forgettingRecorder struct {
	gate chan struct{}

	mu     sync.Mutex
	events []string
}

func (f *forgettingRecorder) SaveMessage(_ context.Context, msg Message) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "save:"+string(msg.Sender))
	return nil
}

func (f *forgettingRecorder) Clear(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "clear:"+conversationID)
	return nil
}

func (f *forgettingRecorder) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func newRecordingSessions(r Recorder) *Sessions {
	return NewSessions(
		newStubValidator(defaultMatches()),
		&stubPredictor{result: influenza()},
		r,
		nil,
		WithThinkingDelay(0),
		WithLogger(logging.Discard()),
	)
}

// waitReturns reports whether fn returns within d.
func waitReturns(fn func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func assertActiveSessions(t *testing.T, g prometheus.Gatherer, want int) {
	t.Helper()
	expected := fmt.Sprintf(`# HELP symptomchat_gateway_active_sessions Chat sessions currently held by the gateway
# TYPE symptomchat_gateway_active_sessions gauge
symptomchat_gateway_active_sessions %d
`, want)
	assert.NoError(t, testutil.GatherAndCompare(g, strings.NewReader(expected), "symptomchat_gateway_active_sessions"))
}

func TestSessions_CreateAndGet(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := newTestSessions(metrics.NewFlowMetrics(promReg))

	sess := reg.Create("TA")

	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "ta", sess.Controller.Language())
	assertActiveSessions(t, promReg, 1)

	got, err := reg.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessions_StateIsPerSession(t *testing.T) {
	reg := newTestSessions(nil)
	a := reg.Create("")
	b := reg.Create("")

	a.Controller.SubmitUtterance(context.Background(), "fever")

	assert.Equal(t, []string{"fever"}, a.Controller.Symptoms())
	assert.Empty(t, b.Controller.Symptoms())
	assert.Equal(t, DefaultLanguage, b.Controller.Language())
}

func TestSessions_Delete(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := newTestSessions(metrics.NewFlowMetrics(promReg))
	sess := reg.Create("")

	assert.True(t, reg.Delete(sess.ID))
	assert.False(t, reg.Delete(sess.ID))
	assert.Equal(t, 0, reg.Len())
	assertActiveSessions(t, promReg, 0)
}

func TestSessions_Sweep(t *testing.T) {
	reg := newTestSessions(nil)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	stale := reg.Create("")
	now = now.Add(90 * time.Minute)
	fresh := reg.Create("")
	now = now.Add(45 * time.Minute)

	removed := reg.Sweep(time.Hour)

	assert.Equal(t, 1, removed)
	_, err := reg.Get(stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = reg.Get(fresh.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, reg.Sweep(0))
}

func TestSessions_DeleteClearsTranscriptAfterPendingSaves(t *testing.T) {
	rec := &forgettingRecorder{gate: make(chan struct{})}
	reg := newRecordingSessions(rec)
	sess := reg.Create("")

	sess.Controller.SubmitUtterance(context.Background(), "fever")
	require.True(t, reg.Delete(sess.ID))

	assert.False(t, waitReturns(reg.Wait, 50*time.Millisecond), "wait returned while saves were blocked")
	assert.Empty(t, rec.log())

	close(rec.gate)
	require.True(t, waitReturns(reg.Wait, 2*time.Second))
	assert.Equal(t, []string{"save:user", "save:bot", "clear:" + sess.ID}, sortSaves(rec.log()))
}

func TestSessions_SweepClearsExpiredTranscripts(t *testing.T) {
	rec := &forgettingRecorder{}
	reg := newRecordingSessions(rec)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	stale := reg.Create("")
	now = now.Add(2 * time.Hour)
	reg.Create("")

	require.Equal(t, 1, reg.Sweep(time.Hour))
	reg.Wait()

	assert.Equal(t, []string{"clear:" + stale.ID}, rec.log())
}

func TestSessions_WaitCoversLiveSessions(t *testing.T) {
	rec := &forgettingRecorder{gate: make(chan struct{})}
	reg := newRecordingSessions(rec)
	sess := reg.Create("")

	sess.Controller.SubmitUtterance(context.Background(), "fever")

	assert.False(t, waitReturns(reg.Wait, 50*time.Millisecond), "wait returned before saves landed")
	close(rec.gate)
	require.True(t, waitReturns(reg.Wait, 2*time.Second))
	assert.Len(t, rec.log(), 2)
}

func TestSessions_DeleteWithoutForgetter(t *testing.T) {
	rec := &stubRecorder{}
	reg := newRecordingSessions(rec)
	sess := reg.Create("")

	sess.Controller.SubmitUtterance(context.Background(), "fever")
	require.True(t, reg.Delete(sess.ID))
	sess.Controller.Wait()
	reg.Wait()

	assert.Len(t, rec.messages(), 2)
}

// sortSaves orders the concurrent saves that precede a clear; the clear must
// stay last.
func sortSaves(events []string) []string {
	if len(events) == 3 && events[0] == "save:bot" && events[1] == "save:user" {
		events[0], events[1] = events[1], events[0]
	}
	return events
}
