package chat

import (
	"strings"
	"time"
)

// SymptomsPerDiagnosis is how many distinct symptoms close a diagnosis cycle.
const SymptomsPerDiagnosis = 3

const DefaultLanguage = "en"

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCollecting Phase = "collecting"
	PhaseDiagnosing Phase = "diagnosing"
)

// State is a copy of the conversation held by a Controller.
type State struct {
	Symptoms       []string    `json:"symptoms"`
	Pending        []string    `json:"pending,omitempty"`
	Language       string      `json:"language"`
	LastPrediction *Prediction `json:"last_prediction,omitempty"`
	Phase          Phase       `json:"phase"`
}

type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// Normalize maps the backend's free-form severity onto the three known levels.
// Unknown values become Medium, which is what the backend assumes when it has
// no severity on record.
func (s Severity) Normalize() Severity {
	switch strings.ToLower(strings.TrimSpace(string(s))) {
	case "low":
		return SeverityLow
	case "high":
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Localized is text keyed by locale code.
type Localized map[string]string

// In returns the text for lang, falling back to English.
func (l Localized) In(lang string) string {
	if v, ok := l[lang]; ok && v != "" {
		return v
	}
	return l[DefaultLanguage]
}

// ModelResult is one classifier's vote in the comparison table.
type ModelResult struct {
	Model      string  `json:"model"`
	Disease    string  `json:"disease"`
	Confidence float64 `json:"confidence"`
}

// Prediction is the diagnosis returned by the backend.
type Prediction struct {
	Disease         string        `json:"disease"`
	Confidence      float64       `json:"confidence"`
	Severity        Severity      `json:"severity"`
	Description     Localized     `json:"description"`
	Precautions     []Localized   `json:"precautions"`
	MatchedSymptoms []string      `json:"matched_symptoms,omitempty"`
	Comparison      []ModelResult `json:"comparison,omitempty"`
}

// Usable reports whether the prediction names a condition.
func (p *Prediction) Usable() bool {
	return p != nil && strings.TrimSpace(p.Disease) != ""
}

// PrecautionsIn returns the precautions localized to lang.
func (p *Prediction) PrecautionsIn(lang string) []string {
	out := make([]string, 0, len(p.Precautions))
	for _, item := range p.Precautions {
		if text := item.In(lang); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// Validation is the backend's verdict on one utterance.
type Validation struct {
	Valid bool    `json:"valid"`
	Match string  `json:"match,omitempty"`
	Score float64 `json:"score,omitempty"`
}

// ModelInfo describes the model serving predictions.
type ModelInfo struct {
	Model    string `json:"model"`
	Accuracy string `json:"accuracy"`
	Diseases int    `json:"diseases"`
	Symptoms int    `json:"symptoms"`
	Status   string `json:"status,omitempty"`
}

type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one chat line handed to a Recorder.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Sender         Sender    `json:"sender"`
	Text           string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

type OutcomeKind string

const (
	OutcomeIgnored      OutcomeKind = "ignored"
	OutcomeReset        OutcomeKind = "reset"
	OutcomeUnrecognized OutcomeKind = "unrecognized"
	OutcomeDuplicate    OutcomeKind = "duplicate"
	OutcomeNoted        OutcomeKind = "noted"
	OutcomeAnalyzing    OutcomeKind = "analyzing"
	OutcomeDiagnosis    OutcomeKind = "diagnosis"
	OutcomeNoDiagnosis  OutcomeKind = "no_diagnosis"
	OutcomeError        OutcomeKind = "error"
	OutcomeSuperseded   OutcomeKind = "superseded"
)

// Outcome is what the controller hands to the view layer after processing input.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	Message    string      `json:"message,omitempty"`
	Symptom    string      `json:"symptom,omitempty"`
	Count      int         `json:"count"`
	Remaining  int         `json:"remaining"`
	Symptoms   []string    `json:"symptoms,omitempty"`
	Prediction *Prediction `json:"prediction,omitempty"`
	Error      string      `json:"error,omitempty"`
	Err        error       `json:"-"`
	At         time.Time   `json:"at"`
}

// Terminal reports whether the outcome ends a diagnosis cycle.
func (o Outcome) Terminal() bool {
	return o.Kind == OutcomeDiagnosis || o.Kind == OutcomeNoDiagnosis
}
