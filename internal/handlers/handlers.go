package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"creatorstudio/internal/jobs"
	"creatorstudio/internal/ledger"
	"creatorstudio/internal/provider"
	"creatorstudio/internal/ratelimit"
	"creatorstudio/internal/stripeclient"
	"creatorstudio/pkg/config"
	"creatorstudio/pkg/kafka"
	"creatorstudio/pkg/logging"
	"creatorstudio/pkg/middleware"
)

var (
	db        *sql.DB
	logger    logging.Logger
	metrics   *Metrics
	ledgerSvc *ledger.Service
	jobClient *jobs.Client
	tracker   *jobs.Tracker
	limiter   *ratelimit.Limiter
	stripeClt *stripeclient.Client
	events    *kafka.Producer
)

// Deps carries everything the handlers need.
type Deps struct {
	DB      *sql.DB
	Logger  logging.Logger
	Metrics *Metrics
	Ledger  *ledger.Service
	Jobs    *jobs.Client
	Tracker *jobs.Tracker
	Limiter *ratelimit.Limiter
	Stripe  *stripeclient.Client
	Events  *kafka.Producer
}

// Init initializes the handlers with their collaborators
func Init(deps Deps) {
	db = deps.DB
	logger = deps.Logger
	metrics = deps.Metrics
	ledgerSvc = deps.Ledger
	jobClient = deps.Jobs
	tracker = deps.Tracker
	limiter = deps.Limiter
	stripeClt = deps.Stripe
	events = deps.Events
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// GetBalance returns the caller's current credit balance.
func GetBalance(c middleware.Context) {
	userID := c.GetString("user_id")

	balance, err := ledgerSvc.Balance(c.Request.Context(), userID)
	if err != nil {
		logger.WithError(err).WithField("user_id", userID).Error("Failed to fetch balance")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch balance"})
		return
	}

	c.JSON(http.StatusOK, middleware.H{"balance": balance})
}

// GetTransactions returns the caller's recent ledger entries.
func GetTransactions(c middleware.Context) {
	userID := c.GetString("user_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	transactions, err := ledgerSvc.Transactions(c.Request.Context(), userID, limit)
	if err != nil {
		logger.WithError(err).WithField("user_id", userID).Error("Failed to fetch transactions")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch transactions"})
		return
	}
	if transactions == nil {
		transactions = []ledger.Transaction{}
	}

	c.JSON(http.StatusOK, middleware.H{"transactions": transactions})
}

// CreateCheckoutRequest selects a credit pack to purchase.
type CreateCheckoutRequest struct {
	PriceID string `json:"price_id" binding:"required"`
	Credits int64  `json:"credits" binding:"required"`
}

// CreateCheckout creates a Stripe Checkout session for a credit pack.
func CreateCheckout(c middleware.Context) {
	userID := c.GetString("user_id")

	var req CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "price_id and credits are required"})
		return
	}
	if !stripeClt.Configured() {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Payments are not configured"})
		return
	}

	baseURL := config.GetEnv("BASE_URL", "http://localhost:3000")
	sess, err := stripeClt.CreateCreditCheckout(c.Request.Context(), stripeclient.CheckoutParams{
		UserID:     userID,
		Credits:    req.Credits,
		PriceID:    req.PriceID,
		SuccessURL: baseURL + "/credits?purchase=success",
		CancelURL:  baseURL + "/credits?purchase=canceled",
	})
	if err != nil {
		logger.WithError(err).WithField("user_id", userID).Error("Failed to create checkout session")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, middleware.H{
		"session_id":   sess.ID,
		"checkout_url": sess.URL,
	})
}

// GenerateRequest is the shared body for generation endpoints.
type GenerateRequest struct {
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspect_ratio"`
	DurationSeconds int    `json:"duration"`
}

// GenerateVideo submits a video generation job.
func GenerateVideo(c middleware.Context) {
	generate(c, jobs.ActionVideoGeneration, ratelimit.VideoGeneration)
}

// GenerateMusic submits a music generation job.
func GenerateMusic(c middleware.Context) {
	generate(c, jobs.ActionMusicGeneration, ratelimit.MusicGeneration)
}

// GenerateSFX submits a sound effect generation job.
func GenerateSFX(c middleware.Context) {
	generate(c, jobs.ActionSFXGeneration, ratelimit.SFXGeneration)
}

func generate(c middleware.Context, action jobs.Action, limitCfg ratelimit.Config) {
	userID := c.GetString("user_id")
	ctx := c.Request.Context()

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	key := ratelimit.Key(userID, string(action))
	result, err := limiter.Check(ctx, key, limitCfg)
	if err != nil {
		logger.WithError(err).WithField("user_id", userID).Error("Rate limit check failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Rate limit check failed"})
		return
	}
	if !result.Allowed {
		c.Header("Retry-After", strconv.Itoa(result.ResetInSeconds))
		c.JSON(http.StatusTooManyRequests, middleware.H{
			"error":            "Rate limit exceeded",
			"reset_in_seconds": result.ResetInSeconds,
		})
		return
	}
	if err := limiter.Record(ctx, key, limitCfg); err != nil {
		logger.WithError(err).WithField("user_id", userID).Warn("Failed to record rate limit attempt")
	}

	job, err := jobClient.Submit(ctx, jobs.SubmitRequest{
		UserID:          userID,
		Action:          action,
		Prompt:          req.Prompt,
		AspectRatio:     req.AspectRatio,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		recordSubmission(action, "error")
		switch {
		case errors.Is(err, jobs.ErrEmptyPrompt):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Prompt is required"})
		case errors.Is(err, ledger.ErrInsufficientCredits):
			c.JSON(http.StatusPaymentRequired, ErrorResponse{Error: "Insufficient credits"})
		default:
			var provErr *provider.Error
			if errors.As(err, &provErr) {
				logger.WithError(err).WithField("user_id", userID).Error("Provider rejected generation job")
				c.JSON(http.StatusBadGateway, ErrorResponse{Error: "Generation provider unavailable"})
				return
			}
			logger.WithError(err).WithField("user_id", userID).Error("Failed to submit generation job")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to submit generation job"})
		}
		return
	}

	recordSubmission(action, "submitted")
	tracker.Add(job)
	jobClient.StartPolling(job)

	c.JSON(http.StatusAccepted, middleware.H{
		"job_id": job.ID,
		"status": job.State().Status,
	})
}

// GetJob reports the current state of a tracked job.
func GetJob(c middleware.Context) {
	userID := c.GetString("user_id")
	job, ok := tracker.Get(c.Param("id"))
	if !ok || job.UserID != userID {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Job not found"})
		return
	}

	state := job.State()
	c.JSON(http.StatusOK, middleware.H{
		"job_id":     job.ID,
		"action":     job.Action,
		"status":     state.Status,
		"progress":   state.Progress,
		"result_url": state.ResultURL,
		"error":      state.Error,
		"created_at": job.CreatedAt,
	})
}

// CancelJob detaches a tracked job and stops its polling.
func CancelJob(c middleware.Context) {
	userID := c.GetString("user_id")
	id := c.Param("id")

	job, ok := tracker.Get(id)
	if !ok || job.UserID != userID {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Job not found"})
		return
	}

	tracker.Remove(id)
	c.JSON(http.StatusOK, middleware.H{"canceled": true})
}

func recordSubmission(action jobs.Action, status string) {
	if metrics == nil {
		return
	}
	metrics.JobsSubmitted.WithLabelValues(string(action), status).Inc()
}
