package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"symptom-chat/internal/chat"
	"symptom-chat/pkg/logging"
)

// Fetcher asks the symptom checker backend to render a report.
type Fetcher interface {
	Report(ctx context.Context, userName string, p *chat.Prediction) ([]byte, error)
}

type TelegramClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, fileData []byte, fileName, caption string) error
}

type Service struct {
	remote       Fetcher
	renderer     *Renderer
	tgClient     TelegramClient
	doctorChatID int64
	logger       *logging.Logger
	now          func() time.Time
}

// NewService wires report generation. remote and renderer may each be nil but
// not both; tg may be nil when sharing is disabled.
func NewService(remote Fetcher, renderer *Renderer, tg TelegramClient, doctorChatID int64, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		remote:       remote,
		renderer:     renderer,
		tgClient:     tg,
		doctorChatID: doctorChatID,
		logger:       logger,
		now:          time.Now,
	}
}

var _ chat.Reporter = (*Service)(nil)

// Generate returns the PDF for p, preferring the backend's renderer and
// falling back to the local one.
func (s *Service) Generate(ctx context.Context, userName string, p *chat.Prediction) ([]byte, error) {
	if !p.Usable() {
		return nil, chat.ErrNoPrediction
	}

	var remoteErr error
	if s.remote != nil {
		data, err := s.remote.Report(ctx, userName, p)
		if err == nil {
			return data, nil
		}
		remoteErr = err
		if s.renderer == nil {
			return nil, fmt.Errorf("report: remote render: %w", err)
		}
		s.logger.Warn("remote report failed, rendering locally", "disease", p.Disease, "error", err)
	}
	if s.renderer == nil {
		return nil, errors.New("report: no renderer configured")
	}

	data, err := s.renderer.Render(userName, p, s.now())
	if err != nil {
		if remoteErr != nil {
			return nil, fmt.Errorf("report: remote render: %v; local render: %w", remoteErr, err)
		}
		return nil, err
	}
	return data, nil
}

// Share sends the report to the configured doctor chat.
func (s *Service) Share(ctx context.Context, userName string, p *chat.Prediction) error {
	if !p.Usable() {
		return chat.ErrNoPrediction
	}
	if s.tgClient == nil || s.doctorChatID == 0 {
		return chat.ErrSharingDisabled
	}

	data, err := s.Generate(ctx, userName, p)
	if err != nil {
		// Without a PDF the doctor still gets the diagnosis as text.
		s.logger.Warn("report generation failed, sending text summary", "disease", p.Disease, "error", err)
		if sendErr := s.tgClient.SendMessage(ctx, s.doctorChatID, summaryText(userName, p)); sendErr != nil {
			return fmt.Errorf("report: send summary to telegram: %w (generate: %v)", sendErr, err)
		}
		return nil
	}

	fileName := s.FileName(s.now())
	caption := fmt.Sprintf("Health report for %s: %s (%.1f%%, %s severity)", userName, p.Disease, p.Confidence, p.Severity.Normalize())
	s.logger.Info("sending health report", "chat_id", s.doctorChatID, "file", fileName)
	if err := s.tgClient.SendDocument(ctx, s.doctorChatID, data, fileName, caption); err != nil {
		return fmt.Errorf("report: send to telegram: %w", err)
	}
	return nil
}

func summaryText(userName string, p *chat.Prediction) string {
	return fmt.Sprintf("Health report for %s (PDF unavailable)\n\n%s", userName, chat.DiagnosisText(p, chat.DefaultLanguage))
}

func (s *Service) FileName(t time.Time) string {
	return FileName(t)
}

// FileName names a downloaded report after the moment it was produced.
func FileName(t time.Time) string {
	return "HealthReport_" + t.UTC().Format("2006-01-02T15:04:05.000Z") + ".pdf"
}
