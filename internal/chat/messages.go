package chat

import (
	"fmt"
	"strings"
)

// DiagnosisMarker prefixes persisted diagnosis messages. The backend lists
// past diagnoses by searching bot messages for it.
const DiagnosisMarker = "### Diagnosis:"

const (
	greetingText    = "Hello! I'm your health assistant. Please describe your symptoms."
	noDiagnosisText = "I couldn't identify a specific condition. Please consult a doctor."
)

var resetCommands = map[string]struct{}{
	"restart": {},
	"reset":   {},
	"clear":   {},
}

// IsResetCommand reports whether text asks to start the conversation over.
func IsResetCommand(text string) bool {
	_, ok := resetCommands[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

// Greeting is the text shown when a conversation starts or is reset.
func Greeting() string { return greetingText }

func notedText(symptom string, count int) string {
	return fmt.Sprintf("Noted %s (%d/%d). Please tell me symptom %d.", symptom, count, SymptomsPerDiagnosis, count+1)
}

func analyzingText(symptom string) string {
	return fmt.Sprintf("Noted %s (%d/%d). Analyzing your symptoms...", symptom, SymptomsPerDiagnosis, SymptomsPerDiagnosis)
}

func duplicateText(symptom string) string {
	return fmt.Sprintf("I already have %s. Please give me a different one.", symptom)
}

func unrecognizedText(text string) string {
	return fmt.Sprintf("I didn't recognize '%s'. Please describe a symptom (e.g., headache, fever).", text)
}

func validateErrorText(err error) string {
	return fmt.Sprintf("Error: %v.", err)
}

func predictErrorText(err error) string {
	return fmt.Sprintf("Error getting diagnosis: %v.", err)
}

// DiagnosisText renders a prediction as the plain-text chat reply.
func DiagnosisText(p *Prediction, lang string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", DiagnosisMarker, p.Disease)
	if desc := p.Description.In(lang); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Confidence: %.1f%% | Severity: %s", p.Confidence, p.Severity.Normalize())
	if precautions := p.PrecautionsIn(lang); len(precautions) > 0 {
		b.WriteString("\n\nPrecautions:")
		for _, item := range precautions {
			b.WriteString("\n- ")
			b.WriteString(item)
		}
	}
	if len(p.Comparison) > 0 {
		b.WriteString("\n\nModel analysis:")
		for _, r := range p.Comparison {
			fmt.Fprintf(&b, "\n- %s: %s (%.1f%%)", r.Model, r.Disease, r.Confidence)
		}
	}
	return b.String()
}

// DiseaseFromMessage extracts the disease name from a persisted diagnosis reply.
func DiseaseFromMessage(text string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(text), DiagnosisMarker)
	if !ok {
		return "", false
	}
	line, _, _ := strings.Cut(rest, "\n")
	disease := strings.TrimSpace(strings.ReplaceAll(line, "*", ""))
	return disease, disease != ""
}
