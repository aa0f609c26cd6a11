package chat

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"symptom-chat/internal/metrics"
	"symptom-chat/pkg/logging"
)

// Validator checks free text against the backend's symptom vocabulary.
// Identical calls must give identical answers.
type Validator interface {
	Validate(ctx context.Context, text, lang string) (Validation, error)
}

// Predictor turns a full symptom list into a diagnosis. A nil prediction
// with a nil error means the backend could not identify a condition.
type Predictor interface {
	Predict(ctx context.Context, symptoms []string) (*Prediction, error)
}

// Recorder persists chat lines. Calls are detached from the flow.
type Recorder interface {
	SaveMessage(ctx context.Context, msg Message) error
}

// Controller runs the collect-three-then-diagnose flow for one conversation.
type Controller struct {
	validator Validator
	predictor Predictor
	recorder  Recorder
	logger    *logging.Logger
	metrics   *metrics.FlowMetrics

	conversationID string
	thinkingDelay  time.Duration
	persistTimeout time.Duration
	now            func() time.Time

	// flow serializes submissions; mu guards the state below so Reset never
	// waits behind a remote call.
	flow sync.Mutex

	mu       sync.Mutex
	symptoms []string
	pending  []string
	language string
	last     *Prediction
	phase    Phase
	epoch    uint64

	subMu   sync.RWMutex
	subs    map[int]func(Outcome)
	nextSub int

	persisting sync.WaitGroup
}

type Option func(*Controller)

func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.FlowMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithThinkingDelay sets the pause before the diagnosis call.
func WithThinkingDelay(d time.Duration) Option {
	return func(c *Controller) { c.thinkingDelay = d }
}

func WithPersistTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.persistTimeout = d
		}
	}
}

func WithLanguage(lang string) Option {
	return func(c *Controller) { c.language = normalizeLanguage(lang) }
}

// WithConversationID tags persisted messages so local recorders can group them.
func WithConversationID(id string) Option {
	return func(c *Controller) { c.conversationID = id }
}

func NewController(v Validator, p Predictor, r Recorder, opts ...Option) *Controller {
	c := &Controller{
		validator:      v,
		predictor:      p,
		recorder:       r,
		logger:         logging.Default(),
		thinkingDelay:  800 * time.Millisecond,
		persistTimeout: 5 * time.Second,
		now:            time.Now,
		language:       DefaultLanguage,
		phase:          PhaseIdle,
		subs:           make(map[int]func(Outcome)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn for every published outcome, including the
// "analyzing" notice that precedes a diagnosis. fn runs on the submitting
// goroutine and must not call back into the controller's SubmitUtterance.
func (c *Controller) Subscribe(fn func(Outcome)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

type observerKey struct{}

// WithObserver returns a context whose SubmitUtterance call reports every
// outcome it publishes to fn, and only those. Subscribers see the outcomes of
// all submissions on the controller.
func WithObserver(ctx context.Context, fn func(Outcome)) context.Context {
	return context.WithValue(ctx, observerKey{}, fn)
}

func (c *Controller) SetLanguage(lang string) {
	c.mu.Lock()
	c.language = normalizeLanguage(lang)
	c.mu.Unlock()
}

func (c *Controller) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// Symptoms returns the committed symptoms in the order they were noted.
func (c *Controller) Symptoms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.symptoms)
}

func (c *Controller) LastPrediction() *Prediction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Symptoms:       slices.Clone(c.symptoms),
		Pending:        slices.Clone(c.pending),
		Language:       c.language,
		LastPrediction: c.last,
		Phase:          c.phase,
	}
}

// Wait blocks until detached message persistence has finished.
func (c *Controller) Wait() {
	c.persisting.Wait()
}

// Reset clears the conversation. Any call still waiting on the backend is
// superseded and its result dropped.
func (c *Controller) Reset() Outcome {
	return c.reset(context.Background())
}

func (c *Controller) reset(ctx context.Context) Outcome {
	c.mu.Lock()
	c.symptoms = nil
	c.pending = nil
	c.last = nil
	c.phase = PhaseIdle
	c.epoch++
	c.mu.Unlock()

	return c.publish(ctx, Outcome{Kind: OutcomeReset, Message: Greeting()})
}

// SubmitUtterance applies one line of user input to the flow and returns the
// outcome that concludes it. Backend failures come back as OutcomeError.
func (c *Controller) SubmitUtterance(ctx context.Context, text string) Outcome {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{Kind: OutcomeIgnored, At: c.now()}
	}

	c.flow.Lock()
	defer c.flow.Unlock()

	c.persist(SenderUser, text)

	if IsResetCommand(text) {
		return c.reset(ctx)
	}

	c.mu.Lock()
	lang, epoch := c.language, c.epoch
	c.mu.Unlock()

	validation, err := c.validate(ctx, text, lang)
	if c.superseded(epoch) {
		return c.supersededOutcome()
	}
	if err != nil {
		c.logger.Warn("symptom validation failed", "conversation_id", c.conversationID, "error", err)
		symptoms := c.Symptoms()
		return c.publish(ctx, Outcome{
			Kind:      OutcomeError,
			Message:   validateErrorText(err),
			Count:     len(symptoms),
			Remaining: SymptomsPerDiagnosis - len(symptoms),
			Symptoms:  symptoms,
			Err:       &TransportError{Op: "validate", Err: err},
		})
	}

	symptom := strings.TrimSpace(validation.Match)
	if !validation.Valid || symptom == "" {
		symptoms := c.Symptoms()
		return c.publish(ctx, Outcome{
			Kind:      OutcomeUnrecognized,
			Message:   unrecognizedText(text),
			Count:     len(symptoms),
			Remaining: SymptomsPerDiagnosis - len(symptoms),
			Symptoms:  symptoms,
			Err:       ErrUnrecognizedInput,
		})
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return c.supersededOutcome()
	}
	if slices.Contains(c.symptoms, symptom) {
		symptoms := slices.Clone(c.symptoms)
		c.mu.Unlock()
		return c.publish(ctx, Outcome{
			Kind:      OutcomeDuplicate,
			Message:   duplicateText(symptom),
			Symptom:   symptom,
			Count:     len(symptoms),
			Remaining: SymptomsPerDiagnosis - len(symptoms),
			Symptoms:  symptoms,
			Err:       ErrDuplicateSymptom,
		})
	}

	candidate := append(slices.Clone(c.symptoms), symptom)
	if len(candidate) < SymptomsPerDiagnosis {
		c.symptoms = candidate
		c.phase = PhaseCollecting
		c.mu.Unlock()

		out := Outcome{
			Kind:      OutcomeNoted,
			Message:   notedText(symptom, len(candidate)),
			Symptom:   symptom,
			Count:     len(candidate),
			Remaining: SymptomsPerDiagnosis - len(candidate),
			Symptoms:  slices.Clone(candidate),
		}
		c.persist(SenderBot, out.Message)
		return c.publish(ctx, out)
	}

	c.pending = candidate
	c.phase = PhaseDiagnosing
	c.mu.Unlock()

	notice := Outcome{
		Kind:     OutcomeAnalyzing,
		Message:  analyzingText(symptom),
		Symptom:  symptom,
		Count:    len(candidate),
		Symptoms: slices.Clone(candidate),
	}
	c.persist(SenderBot, notice.Message)
	c.publish(ctx, notice)

	return c.diagnose(ctx, symptom, candidate, epoch)
}

func (c *Controller) diagnose(ctx context.Context, symptom string, candidate []string, epoch uint64) Outcome {
	prediction, err := c.pauseThenPredict(ctx, candidate)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return c.supersededOutcome()
	}
	c.pending = nil

	if err != nil {
		// The third symptom is only committed by a completed cycle, so the
		// user can resubmit it to retry.
		committed := slices.Clone(c.symptoms)
		c.phase = phaseFor(len(committed))
		c.mu.Unlock()

		c.logger.Warn("diagnosis request failed", "conversation_id", c.conversationID, "symptoms", candidate, "error", err)
		return c.publish(ctx, Outcome{
			Kind:      OutcomeError,
			Message:   predictErrorText(err),
			Symptom:   symptom,
			Count:     len(committed),
			Remaining: SymptomsPerDiagnosis - len(committed),
			Symptoms:  committed,
			Err:       &TransportError{Op: "predict", Err: err},
		})
	}

	c.symptoms = nil
	c.phase = PhaseIdle
	lang := c.language
	if !prediction.Usable() {
		c.last = nil
		c.mu.Unlock()

		return c.publish(ctx, Outcome{
			Kind:     OutcomeNoDiagnosis,
			Message:  noDiagnosisText,
			Symptom:  symptom,
			Count:    len(candidate),
			Symptoms: candidate,
			Err:      ErrEmptyDiagnosis,
		})
	}
	c.last = prediction
	c.mu.Unlock()

	out := Outcome{
		Kind:       OutcomeDiagnosis,
		Message:    DiagnosisText(prediction, lang),
		Symptom:    symptom,
		Count:      len(candidate),
		Symptoms:   candidate,
		Prediction: prediction,
	}
	c.persist(SenderBot, out.Message)
	c.logger.Info("diagnosis completed",
		"conversation_id", c.conversationID,
		"disease", prediction.Disease,
		"confidence", prediction.Confidence,
	)
	return c.publish(ctx, out)
}

func (c *Controller) pauseThenPredict(ctx context.Context, symptoms []string) (*Prediction, error) {
	if c.thinkingDelay > 0 {
		timer := time.NewTimer(c.thinkingDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	start := time.Now()
	prediction, err := c.predictor.Predict(ctx, slices.Clone(symptoms))
	c.metrics.ObserveRemoteCall("predict", callStatus(err), time.Since(start).Seconds())
	return prediction, err
}

func (c *Controller) validate(ctx context.Context, text, lang string) (Validation, error) {
	start := time.Now()
	v, err := c.validator.Validate(ctx, text, lang)
	c.metrics.ObserveRemoteCall("validate", callStatus(err), time.Since(start).Seconds())
	return v, err
}

// persist stores a chat line in the background. Failures are logged and
// never reach the flow.
func (c *Controller) persist(sender Sender, text string) {
	if c.recorder == nil {
		return
	}
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: c.conversationID,
		Sender:         sender,
		Text:           text,
		CreatedAt:      c.now().UTC(),
	}

	c.persisting.Add(1)
	go func() {
		defer c.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
		defer cancel()
		if err := c.recorder.SaveMessage(ctx, msg); err != nil {
			c.metrics.ObservePersistFailure()
			c.logger.Warn("failed to save chat message",
				"conversation_id", c.conversationID,
				"sender", sender,
				"error", err,
			)
		}
	}()
}

func (c *Controller) publish(ctx context.Context, o Outcome) Outcome {
	o.At = c.now()
	if o.Err != nil && o.Error == "" {
		o.Error = o.Err.Error()
	}
	c.metrics.ObserveOutcome(string(o.Kind))
	c.logger.Debug("chat outcome", "conversation_id", c.conversationID, "kind", o.Kind, "count", o.Count)

	c.subMu.RLock()
	subs := make([]func(Outcome), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range subs {
		fn(o)
	}
	if fn, ok := ctx.Value(observerKey{}).(func(Outcome)); ok {
		fn(o)
	}
	return o
}

func (c *Controller) superseded(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch != epoch
}

func (c *Controller) supersededOutcome() Outcome {
	return Outcome{Kind: OutcomeSuperseded, Symptoms: c.Symptoms(), At: c.now()}
}

func phaseFor(count int) Phase {
	if count == 0 {
		return PhaseIdle
	}
	return PhaseCollecting
}

func callStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return DefaultLanguage
	}
	return lang
}
