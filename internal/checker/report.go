package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"symptom-chat/internal/chat"
)

// maxReportSize bounds the PDF read into memory.
const maxReportSize = 20 << 20

type reportRequest struct {
	UserName       string           `json:"user_name"`
	PredictionData *chat.Prediction `json:"prediction_data"`
}

// Report downloads the PDF report the backend renders for a prediction.
func (c *Client) Report(ctx context.Context, userName string, p *chat.Prediction) ([]byte, error) {
	if p == nil {
		return nil, chat.ErrNoPrediction
	}
	resp, err := c.do(ctx, "report", http.MethodPost, "/api/report", reportRequest{UserName: userName, PredictionData: p})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := expectOK("report", resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReportSize))
	if err != nil {
		return nil, fmt.Errorf("checker: read report: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("checker: empty report")
	}
	return data, nil
}
