package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"

	"creatorstudio/pkg/logging"
)

// Status is the provider-reported prediction status.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the provider will never change this status again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Request describes a generation job submission.
type Request struct {
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	DurationSeconds int    `json:"duration,omitempty"`
}

// Prediction is the provider's view of a job. Output is kept raw because the
// provider returns either a single URL or a list of URLs depending on model.
type Prediction struct {
	ID     string          `json:"id"`
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// FirstOutput normalizes the output field to a single artifact URL.
func (p Prediction) FirstOutput() string {
	if len(p.Output) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil {
		if len(list) == 0 {
			return ""
		}
		return list[0]
	}
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		return single
	}
	return ""
}

// Error is returned for non-2xx or malformed provider responses.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

// Client is the interface the job machinery depends on; the concrete HTTP
// implementation talks to the external generation API.
type Client interface {
	Create(ctx context.Context, req Request) (Prediction, error)
	Get(ctx context.Context, predictionID string) (Prediction, error)
}

// Config for the HTTP provider client.
type Config struct {
	BaseURL string // GENERATION_API_URL
	Token   string // GENERATION_API_TOKEN
	Logger  logging.Logger
}

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	http   *resty.Client
	logger logging.Logger
}

// NewHTTPClient creates a provider client.
func NewHTTPClient(cfg Config) *HTTPClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+cfg.Token)

	return &HTTPClient{
		http:   client,
		logger: cfg.Logger,
	}
}

// Create submits a new generation job to the provider.
func (c *HTTPClient) Create(ctx context.Context, req Request) (Prediction, error) {
	var prediction Prediction
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&prediction).
		ForceContentType("application/json").
		Post("/predictions")

	if err != nil {
		return Prediction{}, fmt.Errorf("provider request failed: %w", err)
	}
	if resp.IsError() {
		return Prediction{}, &Error{StatusCode: resp.StatusCode(), Message: string(resp.Body())}
	}
	if prediction.ID == "" {
		return Prediction{}, &Error{StatusCode: resp.StatusCode(), Message: "missing prediction id"}
	}

	c.logger.WithFields(logging.Fields{
		"prediction_id": prediction.ID,
		"status":        prediction.Status,
	}).Info("Submitted generation job to provider")

	return prediction, nil
}

// Get fetches the current status of a prediction. Responses are decoded as
// JSON regardless of the content-type header, and a response without an id is
// rejected; a zero-valued Prediction would otherwise read as a non-terminal
// status and keep the poll loop running against a finished job.
func (c *HTTPClient) Get(ctx context.Context, predictionID string) (Prediction, error) {
	var prediction Prediction
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&prediction).
		ForceContentType("application/json").
		Get("/predictions/" + predictionID)

	if err != nil {
		return Prediction{}, fmt.Errorf("provider request failed: %w", err)
	}
	if resp.IsError() {
		return Prediction{}, &Error{StatusCode: resp.StatusCode(), Message: string(resp.Body())}
	}
	if prediction.ID == "" {
		return Prediction{}, &Error{StatusCode: resp.StatusCode(), Message: "missing prediction id"}
	}

	return prediction, nil
}
