package checker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symptom-chat/internal/chat"
	"symptom-chat/pkg/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

func TestClient_Validate(t *testing.T) {
	var got validateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/validate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"valid": true, "match": "headache", "score": 92}`))
	})

	v, err := c.Validate(context.Background(), "my head hurts", "hi")

	require.NoError(t, err)
	assert.Equal(t, validateRequest{Text: "my head hurts", Lang: "hi"}, got)
	assert.True(t, v.Valid)
	assert.Equal(t, "headache", v.Match)
	assert.InDelta(t, 92, v.Score, 0.001)
}

func TestClient_ValidateInvalidKeepsBestGuess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"valid": false, "match": "itching", "score": 31}`))
	})

	v, err := c.Validate(context.Background(), "xyzabc", "en")

	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestClient_ValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
				assert.Equal(t, "boom", se.Body)
				assert.Equal(t, "validate", se.Op)
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>login</html>`))
			},
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "decode validate response")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			_, err := c.Validate(context.Background(), "fever", "en")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_ValidateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, WithLogger(logging.Discard()), WithTimeout(time.Second))
	_, err := c.Validate(context.Background(), "fever", "en")

	assert.ErrorContains(t, err, "checker: validate request")
}

func TestClient_Predict(t *testing.T) {
	var got predictRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/predict", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"disease": "Migraine",
			"confidence": 78.4,
			"severity": "Medium",
			"description": {"en": "Recurring headaches.", "ta": "தலைவலி"},
			"precautions": [{"en": "Rest in a dark room"}, {"en": "Stay hydrated"}],
			"matched_symptoms": ["headache", "nausea", "blurred_vision"],
			"comparison": [
				{"model": "Random Forest", "disease": "Migraine", "confidence": 78.4},
				{"model": "Decision Tree", "disease": "Migraine", "confidence": 100}
			]
		}`))
	})

	p, err := c.Predict(context.Background(), []string{"headache", "nausea", "blurred_vision"})

	require.NoError(t, err)
	assert.Equal(t, []string{"headache", "nausea", "blurred_vision"}, got.Symptoms)
	require.NotNil(t, p)
	assert.Equal(t, "Migraine", p.Disease)
	assert.InDelta(t, 78.4, p.Confidence, 0.001)
	assert.Equal(t, chat.SeverityMedium, p.Severity)
	assert.Equal(t, "தலைவலி", p.Description.In("ta"))
	assert.Equal(t, []string{"Rest in a dark room", "Stay hydrated"}, p.PrecautionsIn("hi"))
	require.Len(t, p.Comparison, 2)
	assert.Equal(t, "Decision Tree", p.Comparison[1].Model)
}

func TestClient_PredictEmptyResults(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"not found", http.StatusNotFound, `{"error": "Could not make a prediction based on provided symptoms"}`},
		{"no disease", http.StatusOK, `{"success": false}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			})
			p, err := c.Predict(context.Background(), []string{"a", "b", "c"})
			require.NoError(t, err)
			assert.Nil(t, p)
		})
	}
}

func TestClient_PredictServerErrorIsTransportFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "model not loaded"}`))
	})

	p, err := c.Predict(context.Background(), []string{"a", "b", "c"})

	assert.Nil(t, p)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "model not loaded")
}

func TestClient_SaveMessage(t *testing.T) {
	var raw map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/message", r.URL.Path)
		assert.Equal(t, "session=abc", r.Header.Get("Cookie"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"success": true}`))
	}, WithSessionCookie("session=abc"))

	err := c.SaveMessage(context.Background(), chat.Message{Sender: chat.SenderBot, Text: "Noted fever (1/3).", ConversationID: "local"})

	require.NoError(t, err)
	assert.Equal(t, "bot", raw["sender"])
	assert.Equal(t, "Noted fever (1/3).", raw["message"])
	v, ok := raw["session_id"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestClient_SaveMessageRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": "database is locked"}`))
	})

	err := c.SaveMessage(context.Background(), chat.Message{Sender: chat.SenderUser, Text: "fever"})

	assert.EqualError(t, err, "checker: save_message rejected: database is locked")
}

func TestClient_Report(t *testing.T) {
	var got struct {
		UserName       string          `json:"user_name"`
		PredictionData chat.Prediction `json:"prediction_data"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/report", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 fake"))
	})

	data, err := c.Report(context.Background(), "Asha", &chat.Prediction{Disease: "Malaria", Confidence: 91})

	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))
	assert.Equal(t, "Asha", got.UserName)
	assert.Equal(t, "Malaria", got.PredictionData.Disease)
}

func TestClient_ReportWithoutPrediction(t *testing.T) {
	c := NewClient("http://unused.invalid", WithLogger(logging.Discard()))
	_, err := c.Report(context.Background(), "Asha", nil)
	assert.True(t, errors.Is(err, chat.ErrNoPrediction))
}

func TestClient_InfoAndSymptoms(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/info":
			assert.Equal(t, http.MethodGet, r.Method)
			_, _ = w.Write([]byte(`{"model": "Random Forest", "accuracy": "87.67%", "diseases": 41, "symptoms": 131, "status": "active"}`))
		case "/api/symptoms":
			_, _ = w.Write([]byte(`{"symptoms": ["itching", "skin_rash"], "success": true}`))
		default:
			http.NotFound(w, r)
		}
	})

	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &chat.ModelInfo{Model: "Random Forest", Accuracy: "87.67%", Diseases: 41, Symptoms: 131, Status: "active"}, info)

	symptoms, err := c.Symptoms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"itching", "skin_rash"}, symptoms)
}

func TestClient_SymptomsUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symptoms": [], "success": false}`))
	})

	symptoms, err := c.Symptoms(context.Background())

	require.NoError(t, err)
	assert.Empty(t, symptoms)
}

func TestClient_DrivesController(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/validate", func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(chat.Validation{Valid: true, Match: req.Text, Score: 100})
	})
	mux.HandleFunc("/api/predict", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"disease": "Dengue", "confidence": 66.0, "severity": "High", "description": {"en": "Mosquito-borne."}, "precautions": []}`))
	})
	mux.HandleFunc("/api/chat/message", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, WithLogger(logging.Discard()))
	ctrl := chat.NewController(client, client, client, chat.WithThinkingDelay(0), chat.WithLogger(logging.Discard()))
	ctx := context.Background()

	ctrl.SubmitUtterance(ctx, "fever")
	ctrl.SubmitUtterance(ctx, "joint_pain")
	out := ctrl.SubmitUtterance(ctx, "skin_rash")
	ctrl.Wait()

	require.Equal(t, chat.OutcomeDiagnosis, out.Kind)
	assert.Equal(t, "Dengue", out.Prediction.Disease)
	assert.Empty(t, ctrl.Symptoms())
}
