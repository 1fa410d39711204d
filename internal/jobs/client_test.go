package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"creatorstudio/internal/ledger"
	"creatorstudio/internal/provider"
	"creatorstudio/pkg/logging"
)

// fakeLedger mirrors the real ledger's check-and-decrement contract behind a
// mutex, so concurrent Submit calls contend the way they would in Postgres.
type fakeLedger struct {
	mu      sync.Mutex
	balance int64
	debits  int
	credits int
}

func (f *fakeLedger) Debit(ctx context.Context, userID string, amount int64, txType ledger.TransactionType, description string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance < amount {
		return 0, ledger.ErrInsufficientCredits
	}
	f.balance -= amount
	f.debits++
	return f.balance, nil
}

func (f *fakeLedger) Credit(ctx context.Context, userID string, amount int64, txType ledger.TransactionType, description, externalReference string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amount
	f.credits++
	return f.balance, nil
}

func (f *fakeLedger) snapshot() (int64, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.debits, f.credits
}

type stubProvider struct {
	mu          sync.Mutex
	createCalls int
	getCalls    int
	createErr   error
	getResponse func(calls int) provider.Prediction
}

func (s *stubProvider) Create(ctx context.Context, req provider.Request) (provider.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return provider.Prediction{}, s.createErr
	}
	return provider.Prediction{ID: "pred-1", Status: provider.StatusStarting}, nil
}

func (s *stubProvider) Get(ctx context.Context, predictionID string) (provider.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getResponse != nil {
		return s.getResponse(s.getCalls), nil
	}
	return provider.Prediction{ID: predictionID, Status: provider.StatusProcessing}, nil
}

func (s *stubProvider) calls() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls, s.getCalls
}

func newTestClient(l Ledger, p provider.Client, cfg Config) *Client {
	return NewClient(l, p, nil, logging.NewLogger(), cfg)
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	lgr := &fakeLedger{balance: 100}
	prov := &stubProvider{}
	client := newTestClient(lgr, prov, DefaultConfig())

	_, err := client.Submit(context.Background(), SubmitRequest{UserID: "u1", Action: ActionVideoGeneration, Prompt: "   "})
	if !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}

	balance, debits, _ := lgr.snapshot()
	if balance != 100 || debits != 0 {
		t.Fatalf("validation failure must not touch the ledger: balance=%d debits=%d", balance, debits)
	}
	if creates, _ := prov.calls(); creates != 0 {
		t.Fatalf("validation failure must not reach the provider, got %d calls", creates)
	}
}

func TestSubmitShortCircuitsOnInsufficientCredits(t *testing.T) {
	lgr := &fakeLedger{balance: 5}
	prov := &stubProvider{}
	client := newTestClient(lgr, prov, DefaultConfig())

	_, err := client.Submit(context.Background(), SubmitRequest{UserID: "u1", Action: ActionVideoGeneration, Prompt: "a whale"})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if creates, _ := prov.calls(); creates != 0 {
		t.Fatalf("expected zero provider calls, got %d", creates)
	}
}

func TestConcurrentSubmitsNeverDoubleSpend(t *testing.T) {
	// Balance covers exactly two video generations.
	lgr := &fakeLedger{balance: 2 * CostVideoGeneration}
	prov := &stubProvider{}
	client := newTestClient(lgr, prov, DefaultConfig())

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Submit(context.Background(), SubmitRequest{UserID: "u1", Action: ActionVideoGeneration, Prompt: "a whale"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, insufficient int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 2 || insufficient != n-2 {
		t.Fatalf("expected 2 successes and %d refusals, got %d/%d", n-2, ok, insufficient)
	}
	balance, _, _ := lgr.snapshot()
	if balance != 0 {
		t.Fatalf("expected exhausted balance, got %d", balance)
	}
	if creates, _ := prov.calls(); creates != 2 {
		t.Fatalf("expected 2 provider submissions, got %d", creates)
	}
}

func TestSubmitThenPollSucceeds(t *testing.T) {
	lgr := &fakeLedger{balance: 20}
	prov := &stubProvider{
		getResponse: func(calls int) provider.Prediction {
			if calls < 3 {
				return provider.Prediction{ID: "pred-1", Status: provider.StatusProcessing}
			}
			return provider.Prediction{
				ID:     "pred-1",
				Status: provider.StatusSucceeded,
				Output: json.RawMessage(`["https://x/video.mp4"]`),
			}
		},
	}
	client := newTestClient(lgr, prov, Config{PollInterval: time.Millisecond, MaxAttempts: 120})

	job, err := client.Submit(context.Background(), SubmitRequest{UserID: "u1", Action: ActionVideoGeneration, Prompt: "a whale"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance, _, _ := lgr.snapshot(); balance != 10 {
		t.Fatalf("expected balance 10 after debit, got %d", balance)
	}

	state, err := client.Poll(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", state.Status)
	}
	if state.ResultURL != "https://x/video.mp4" {
		t.Fatalf("unexpected result url %q", state.ResultURL)
	}
}

func TestPollTimesOutAfterMaxAttempts(t *testing.T) {
	lgr := &fakeLedger{balance: 20}
	prov := &stubProvider{} // never returns a terminal status
	client := newTestClient(lgr, prov, Config{PollInterval: time.Microsecond, MaxAttempts: 120})

	job, err := client.Submit(context.Background(), SubmitRequest{UserID: "u1", Action: ActionVideoGeneration, Prompt: "a whale"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := client.Poll(context.Background(), job)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if state.Status != StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", state.Status)
	}
	if state.Attempts != 120 {
		t.Fatalf("expected exactly 120 attempts, got %d", state.Attempts)
	}
	if _, gets := prov.calls(); gets != 120 {
		t.Fatalf("expected exactly 120 status requests, got %d", gets)
	}

	// No refund by default.
	balance, _, credits := lgr.snapshot()
	if balance != 10 || credits != 0 {
		t.Fatalf("expected debit to stand on timeout: balance=%d credits=%d", balance, credits)
	}
}

func TestPollStopsAfterCancellation(t *testing.T) {
	lgr := &fakeLedger{balance: 20}
	prov := &stubProvider{}
	client := newTestClient(lgr, prov, Config{PollInterval: time.Hour, MaxAttempts: 120})

	job, err := client.Submit(context.Background(), SubmitRequest{UserID: "u1", Action: ActionVideoGeneration, Prompt: "a whale"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan State, 1)
	go func() {
		state, _ := client.Poll(ctx, job)
		done <- state
	}()

	// Let the first request land in the hour-long wait, then abandon.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case state := <-done:
		if state.Status != StatusCanceled {
			t.Fatalf("expected canceled, got %s", state.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("poll did not stop after cancellation")
	}

	if _, gets := prov.calls(); gets != 1 {
		t.Fatalf("expected polling to stop after 1 request, got %d", gets)
	}
}

func TestRefundOnFailurePolicy(t *testing.T) {
	lgr := &fakeLedger{balance: 20}
	prov := &stubProvider{
		getResponse: func(calls int) provider.Prediction {
			return provider.Prediction{ID: "pred-1", Status: provider.StatusFailed, Error: "model error"}
		},
	}
	cfg := Config{PollInterval: time.Millisecond, MaxAttempts: 120, RefundOnFailure: true}
	client := newTestClient(lgr, prov, cfg)

	job, err := client.Submit(context.Background(), SubmitRequest{UserID: "u1", Action: ActionVideoGeneration, Prompt: "a whale"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := client.Poll(context.Background(), job)
	if err == nil {
		t.Fatal("expected failure error")
	}
	if state.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}

	balance, _, credits := lgr.snapshot()
	if credits != 1 || balance != 20 {
		t.Fatalf("expected refund to restore balance: balance=%d credits=%d", balance, credits)
	}
}

func TestTrackerDetachStopsPolling(t *testing.T) {
	lgr := &fakeLedger{balance: 20}
	prov := &stubProvider{}
	client := newTestClient(lgr, prov, Config{PollInterval: time.Hour, MaxAttempts: 120})

	job, err := client.Submit(context.Background(), SubmitRequest{UserID: "u1", Action: ActionVideoGeneration, Prompt: "a whale"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tracker := NewTracker()
	tracker.Add(job)
	client.StartPolling(job)

	time.Sleep(20 * time.Millisecond)
	if !tracker.Remove(job.ID) {
		t.Fatal("expected tracked job")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if job.State().Status == StatusCanceled {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := job.State().Status; got != StatusCanceled {
		t.Fatalf("expected canceled after detach, got %s", got)
	}
	if _, ok := tracker.Get(job.ID); ok {
		t.Fatal("expected job to be forgotten")
	}
}
