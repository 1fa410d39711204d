package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"creatorstudio/internal/ledger"
	"creatorstudio/internal/provider"
	"creatorstudio/pkg/kafka"
	"creatorstudio/pkg/logging"
)

// ErrEmptyPrompt is returned when a submission has no prompt.
var ErrEmptyPrompt = errors.New("prompt is required")

// Ledger is the slice of the credit ledger the job client needs.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int64, txType ledger.TransactionType, description string) (int64, error)
	Credit(ctx context.Context, userID string, amount int64, txType ledger.TransactionType, description, externalReference string) (int64, error)
}

// Config controls the poll driver.
type Config struct {
	PollInterval time.Duration // delay between provider status requests
	MaxAttempts  int           // hard cap on non-terminal poll attempts
	// RefundOnFailure re-credits the debited price when a job fails or times
	// out. Off by default: the provider may have consumed compute even on a
	// reported failure, so the debit normally stands.
	RefundOnFailure bool
}

// DefaultConfig matches the production polling deadline: 120 attempts at 5s,
// roughly a 10 minute ceiling.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		MaxAttempts:  120,
	}
}

// Job is a handle to an in-flight generation request. Identity lives with the
// provider; nothing about the job is persisted service-side.
type Job struct {
	ID           string
	PredictionID string
	UserID       string
	Action       Action
	Prompt       string
	CreatedAt    time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// State returns a copy of the current polling state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Detach stops the poll loop. No further provider requests are issued once
// the loop observes the cancellation.
func (j *Job) Detach() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SubmitRequest describes a paid generation submission.
type SubmitRequest struct {
	UserID          string
	Action          Action
	Prompt          string
	AspectRatio     string
	DurationSeconds int
}

// Client submits generation jobs and drives their polling to a terminal state.
type Client struct {
	ledger   Ledger
	provider provider.Client
	events   *kafka.Producer
	logger   logging.Logger
	cfg      Config
}

// NewClient creates a job client. events may be nil when Kafka is unconfigured.
func NewClient(l Ledger, p provider.Client, events *kafka.Producer, logger logging.Logger, cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Client{
		ledger:   l,
		provider: p,
		events:   events,
		logger:   logger,
		cfg:      cfg,
	}
}

// Submit debits the action price, then creates the job at the provider. The
// debit happens first: a submission that cannot pay never reaches the
// provider. A crash between debit and provider call leaves a charged but
// unsubmitted state; that window is accepted rather than holding a lock
// across the network call.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	newBalance, err := c.ledger.Debit(ctx, req.UserID, req.Action.Cost(), req.Action.TransactionType(), req.Action.Description())
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logging.Fields{
		"user_id":     req.UserID,
		"action":      req.Action,
		"cost":        req.Action.Cost(),
		"new_balance": newBalance,
	}).Info("Debited credits for generation job")

	if err := c.events.Publish(kafka.Event{
		EventID:   uuid.New().String(),
		EventType: "credits.debited",
		UserID:    req.UserID,
		Amount:    req.Action.Cost(),
		Balance:   newBalance,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		c.logger.WithError(err).Warn("Failed to publish debit event")
	}

	prediction, err := c.provider.Create(ctx, provider.Request{
		Prompt:          req.Prompt,
		AspectRatio:     req.AspectRatio,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		c.maybeRefund(req.UserID, req.Action, "provider submission failed")
		return nil, fmt.Errorf("failed to submit generation job: %w", err)
	}

	job := &Job{
		ID:           uuid.New().String(),
		PredictionID: prediction.ID,
		UserID:       req.UserID,
		Action:       req.Action,
		Prompt:       req.Prompt,
		CreatedAt:    time.Now(),
	}
	job.setState(State{Status: StatusSubmitted})

	return job, nil
}

// Poll drives the job to a terminal state, issuing one provider status
// request per attempt with cfg.PollInterval between attempts. Context
// cancellation stops the loop at the next wait boundary with no further
// provider requests.
func (c *Client) Poll(ctx context.Context, job *Job) (State, error) {
	state := job.State()
	if state.Status.Terminal() {
		return state, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			state = Next(state, Event{Abandon: true}, c.cfg.MaxAttempts)
			job.setState(state)
			return state, err
		}

		prediction, err := c.provider.Get(ctx, job.PredictionID)
		if err != nil {
			if ctx.Err() != nil {
				state = Next(state, Event{Abandon: true}, c.cfg.MaxAttempts)
				job.setState(state)
				return state, ctx.Err()
			}
			state.Status = StatusFailed
			state.Error = err.Error()
			job.setState(state)
			c.finishJob(job, state)
			return state, fmt.Errorf("failed to poll generation job: %w", err)
		}

		state = Next(state, Event{Response: &prediction}, c.cfg.MaxAttempts)
		job.setState(state)

		if state.Status.Terminal() {
			c.finishJob(job, state)
			if state.Status == StatusSucceeded {
				return state, nil
			}
			return state, errors.New(terminalError(state))
		}

		select {
		case <-ctx.Done():
			state = Next(state, Event{Abandon: true}, c.cfg.MaxAttempts)
			job.setState(state)
			return state, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// StartPolling runs Poll in the background with a cancel hook stored on the
// job, so HTTP handlers can detach it later.
func (c *Client) StartPolling(job *Job) {
	ctx, cancel := context.WithCancel(context.Background())
	job.mu.Lock()
	job.cancel = cancel
	job.mu.Unlock()

	go func() {
		defer cancel()
		if _, err := c.Poll(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(err).WithFields(logging.Fields{
				"job_id":        job.ID,
				"prediction_id": job.PredictionID,
				"user_id":       job.UserID,
			}).Warn("Generation job finished with error")
		}
	}()
}

func terminalError(s State) string {
	if s.Error != "" {
		return s.Error
	}
	return fmt.Sprintf("generation %s", s.Status)
}

func (c *Client) finishJob(job *Job, state State) {
	if state.Status == StatusFailed || state.Status == StatusTimedOut {
		c.maybeRefund(job.UserID, job.Action, fmt.Sprintf("generation %s", state.Status))
	}

	if err := c.events.Publish(kafka.Event{
		EventID:   uuid.New().String(),
		EventType: "job." + string(state.Status),
		UserID:    job.UserID,
		JobID:     job.ID,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		c.logger.WithError(err).Warn("Failed to publish job event")
	}

	c.logger.WithFields(logging.Fields{
		"job_id":        job.ID,
		"prediction_id": job.PredictionID,
		"user_id":       job.UserID,
		"status":        state.Status,
		"attempts":      state.Attempts,
	}).Info("Generation job reached terminal state")
}

// maybeRefund re-credits the action price when the refund policy is enabled.
func (c *Client) maybeRefund(userID string, action Action, reason string) {
	if !c.cfg.RefundOnFailure {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.ledger.Credit(ctx, userID, action.Cost(), ledger.TypeRefund, "Refund: "+reason, ""); err != nil {
		c.logger.WithError(err).WithField("user_id", userID).Error("Failed to refund credits")
	}
}
