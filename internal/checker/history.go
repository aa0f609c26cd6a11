package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"symptom-chat/internal/chat"
)

type saveMessageRequest struct {
	Sender    chat.Sender `json:"sender"`
	Message   string      `json:"message"`
	SessionID *string     `json:"session_id"`
}

type saveMessageResponse struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

// SaveMessage stores one chat line in the backend's history. Messages are not
// tied to a backend session, so session_id is always null.
func (c *Client) SaveMessage(ctx context.Context, msg chat.Message) error {
	resp, err := c.do(ctx, "save_message", http.MethodPost, "/api/chat/message", saveMessageRequest{
		Sender:  msg.Sender,
		Message: msg.Text,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := expectOK("save_message", resp); err != nil {
		return err
	}
	var out saveMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("checker: decode save_message response: %w", err)
	}
	if out.Success != nil && !*out.Success {
		if out.Error == "" {
			return errors.New("checker: save_message rejected")
		}
		return fmt.Errorf("checker: save_message rejected: %s", out.Error)
	}
	return nil
}
