package report

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/signintech/gopdf"

	"symptom-chat/internal/chat"
)

// DefaultFontPaths are where Alpine and Debian images install DejaVu Sans.
var DefaultFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

const (
	fontFamily = "DejaVu"
	textWidth  = 500
)

// Renderer draws health reports locally with gopdf.
type Renderer struct {
	fontPaths []string
	lang      string
}

// NewRenderer uses fontPath when set, then the default locations.
func NewRenderer(fontPath, lang string) *Renderer {
	paths := DefaultFontPaths
	if fontPath != "" {
		paths = append([]string{fontPath}, DefaultFontPaths...)
	}
	if lang == "" {
		lang = chat.DefaultLanguage
	}
	return &Renderer{fontPaths: paths, lang: lang}
}

func (r *Renderer) Render(userName string, p *chat.Prediction, at time.Time) ([]byte, error) {
	if !p.Usable() {
		return nil, chat.ErrNoPrediction
	}

	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	if err := r.loadFont(&pdf); err != nil {
		return nil, err
	}

	w := &writer{pdf: &pdf}
	w.line(20, "Health Report", 30)
	w.line(12, fmt.Sprintf("Name: %s", userName), 15)
	w.line(12, fmt.Sprintf("Date: %s", at.Format("02.01.2006 15:04")), 25)

	w.line(16, fmt.Sprintf("Diagnosis: %s", p.Disease), 20)
	w.line(12, fmt.Sprintf("Confidence: %.1f%%", p.Confidence), 15)
	w.line(12, fmt.Sprintf("Severity: %s", p.Severity.Normalize()), 25)

	if desc := p.Description.In(r.lang); desc != "" {
		w.line(14, "Description:", 15)
		w.paragraph(11, desc)
		w.br(15)
	}

	if len(p.MatchedSymptoms) > 0 {
		w.line(14, "Reported symptoms:", 15)
		for _, s := range p.MatchedSymptoms {
			w.paragraph(11, "- "+s)
		}
		w.br(15)
	}

	w.line(14, "Precautions:", 15)
	precautions := p.PrecautionsIn(r.lang)
	if len(precautions) == 0 {
		w.line(11, "- Consult a doctor.", 15)
	}
	for _, item := range precautions {
		w.paragraph(11, "- "+item)
	}

	if len(p.Comparison) > 0 {
		w.br(15)
		w.line(14, "Model analysis:", 15)
		for _, m := range p.Comparison {
			w.paragraph(11, fmt.Sprintf("- %s: %s (%.1f%%)", m.Model, m.Disease, m.Confidence))
		}
	}

	w.br(25)
	w.paragraph(9, "This report is generated automatically and is not a substitute for professional medical advice.")

	if w.err != nil {
		return nil, fmt.Errorf("report: draw pdf: %w", w.err)
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("report: write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) loadFont(pdf *gopdf.GoPdf) error {
	var fontErr error
	for _, path := range r.fontPaths {
		err := pdf.AddTTFFont(fontFamily, path)
		if err == nil {
			return nil
		}
		fontErr = errors.Join(fontErr, err)
	}
	return fmt.Errorf("report: load font (install ttf-dejavu or set REPORT_FONT_PATH): %w", fontErr)
}

// writer keeps the first drawing error so the layout code stays linear.
type writer struct {
	pdf *gopdf.GoPdf
	err error
}

func (w *writer) setFont(size float64) {
	if w.err != nil {
		return
	}
	w.err = w.pdf.SetFont(fontFamily, "", size)
}

func (w *writer) line(size float64, text string, gap float64) {
	w.setFont(size)
	if w.err != nil {
		return
	}
	w.err = w.pdf.Cell(nil, text)
	w.pdf.Br(gap)
}

func (w *writer) paragraph(size float64, text string) {
	w.setFont(size)
	if w.err != nil {
		return
	}
	lines, err := w.pdf.SplitText(text, textWidth)
	if err != nil {
		w.err = err
		return
	}
	for _, l := range lines {
		if w.err = w.pdf.Cell(nil, l); w.err != nil {
			return
		}
		w.pdf.Br(size + 1)
	}
}

func (w *writer) br(gap float64) {
	w.pdf.Br(gap)
}
