package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"symptom-chat/internal/chat"
)

type predictRequest struct {
	Symptoms []string `json:"symptoms"`
}

type predictResponse struct {
	chat.Prediction
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Predict asks the backend for a diagnosis. A 404, or a 2xx body without a
// disease, means no condition could be identified and yields (nil, nil).
func (c *Client) Predict(ctx context.Context, symptoms []string) (*chat.Prediction, error) {
	resp, err := c.do(ctx, "predict", http.MethodPost, "/api/predict", predictRequest{Symptoms: symptoms})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Info("checker could not identify a condition", "symptoms", symptoms)
		return nil, nil
	}
	if err := expectOK("predict", resp); err != nil {
		return nil, err
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("checker: decode predict response: %w", err)
	}
	if !out.Prediction.Usable() {
		return nil, nil
	}
	p := out.Prediction
	return &p, nil
}
