package empirebot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// aiSmartPath is the completion endpoint, relative to [AIConfig.BaseURL]
const aiSmartPath = "/api/ai-smart"

const aiResponseStatusSuccess = "success"

var ErrAIRequestLimiter = errors.New("error waiting on AI request limiter")

// AIClient calls the remote AI completion backend.
//
// It performs a single outbound POST per invocation, bounded by
// [AIConfig.RequestTimeout], and normalizes every outcome - transport
// failure, non-2xx status, malformed body, or a well-formed non-success
// response - into an [AIResult]. Nothing panics or errors past this
// boundary, and nothing is retried: the bot prefers bounded latency for
// a chat surface over resilience.
type AIClient struct {
	config         *AIConfig
	httpClient     *http.Client
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	mu *sync.RWMutex // primarily just protects requestLimiter
}

func newAIClient(config *AIConfig, httpClient *http.Client) *AIClient {
	a := &AIClient{
		config: config,
		mu:     &sync.RWMutex{},
	}
	a.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "ai")

	if httpClient == nil {
		httpClient = &http.Client{}
	}
	a.httpClient = httpClient

	if config.MaxRequestsPerSecond > 0 {
		a.requestLimiter = rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		)
	}
	return a
}

// AIRequest is the outbound request body for the completion endpoint.
// Model is omitted entirely when there's no effective preference, letting
// the backend pick its own default.
type AIRequest struct {
	Prompt string `json:"prompt"`
	UserID string `json:"userId"`
	Model  string `json:"model,omitempty"`
}

// aiSmartResponse is the wire shape of a backend response. Any response
// that doesn't deserialize into this, or whose Status isn't "success",
// is a failure.
type aiSmartResponse struct {
	Status string `json:"status"`
	Text   string `json:"text"`
	Model  string `json:"model"`
}

// AIResult is the uniform outcome of one completion attempt. Exactly one
// of the two arms is populated: on Success, Text and Model carry the
// backend's reply; otherwise FailReason says what went wrong. Callers
// branch on Success only - they never inspect field presence.
type AIResult struct {
	Success bool

	// Text is the completion text. Only set on success.
	Text string

	// Model is the model the backend reports it answered with.
	// Only set on success.
	Model Model

	// FailReason describes the failure. Only set on failure. It's
	// intended for logs - user-facing messaging is the caller's job.
	FailReason string
}

func aiSuccess(text string, model string) AIResult {
	return AIResult{Success: true, Text: text, Model: Model(model)}
}

func aiFailure(reason string) AIResult {
	return AIResult{Success: false, FailReason: reason}
}

// Invoker is the subset of AIClient the command router and message
// handlers depend on, to enable stubbing in tests.
type Invoker interface {
	Invoke(ctx context.Context, db DBI, prompt string, userID string, model Model) AIResult
}

// Invoke sends one completion request on behalf of userID. An empty model
// means "no preference" - the field is left off the request body. The
// attempt is recorded as an [AIRequestLog] when db is non-nil.
func (a *AIClient) Invoke(
	ctx context.Context,
	db DBI,
	prompt string,
	userID string,
	model Model,
) AIResult {
	ctx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = a.logger
	}

	started := time.Now()
	result := a.post(ctx, prompt, userID, model)
	elapsed := time.Since(started)

	if result.Success {
		logger.InfoContext(
			ctx,
			"AI request completed",
			columnUserID, userID,
			"model", result.Model,
			"duration", elapsed,
		)
	} else {
		logger.WarnContext(
			ctx,
			"AI request failed",
			columnUserID, userID,
			"reason", result.FailReason,
			"duration", elapsed,
		)
	}

	if db != nil {
		requestLog := AIRequestLog{
			UserID:        userID,
			Prompt:        prompt,
			Model:         string(model),
			Success:       result.Success,
			ResponseModel: string(result.Model),
			Error:         result.FailReason,
			DurationMS:    elapsed.Milliseconds(),
		}
		if _, err := db.Create(context.WithoutCancel(ctx), &requestLog); err != nil {
			logger.ErrorContext(ctx, "error logging AI request", tint.Err(err))
		}
	}

	return result
}

// post performs the actual HTTP exchange, normalizing every failure mode
// into an AIResult.
func (a *AIClient) post(
	ctx context.Context,
	prompt string,
	userID string,
	model Model,
) AIResult {
	if err := a.waitOnRequestLimiter(ctx); err != nil {
		return aiFailure(err.Error())
	}

	payload := AIRequest{
		Prompt: prompt,
		UserID: userID,
		Model:  string(model),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return aiFailure(fmt.Sprintf("error encoding request: %s", err.Error()))
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		a.config.BaseURL+aiSmartPath,
		bytes.NewReader(body),
	)
	if err != nil {
		return aiFailure(fmt.Sprintf("error building request: %s", err.Error()))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return aiFailure(fmt.Sprintf("transport error: %s", err.Error()))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return aiFailure(fmt.Sprintf("unexpected status: %s", resp.Status))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return aiFailure(fmt.Sprintf("error reading response: %s", err.Error()))
	}

	var smartResponse aiSmartResponse
	if err = json.Unmarshal(data, &smartResponse); err != nil {
		return aiFailure(fmt.Sprintf("malformed response: %s", err.Error()))
	}

	if smartResponse.Status != aiResponseStatusSuccess {
		return aiFailure(
			fmt.Sprintf("backend returned status %q", smartResponse.Status),
		)
	}

	return aiSuccess(smartResponse.Text, smartResponse.Model)
}

// waitOnRequestLimiter blocks until the request limiter permits another
// backend call, or the context ends first.
func (a *AIClient) waitOnRequestLimiter(ctx context.Context) error {
	a.mu.RLock()
	limiter := a.requestLimiter
	a.mu.RUnlock()

	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrAIRequestLimiter, err)
	}
	return nil
}

// setRequestLimit swaps the limiter rate (used when config is reloaded)
func (a *AIClient) setRequestLimit(requestsPerSecond float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requestsPerSecond <= 0 {
		a.requestLimiter = nil
		return
	}
	if a.requestLimiter == nil {
		a.requestLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
		return
	}
	a.requestLimiter.SetLimit(rate.Limit(requestsPerSecond))
}

// AIRequestLog records one completion attempt against the backend.
type AIRequestLog struct {
	ModelUintID
	ModelUnixTime
	UserID        string `json:"user_id"`
	Prompt        string `json:"prompt"`
	Model         string `json:"model"`
	Success       bool   `json:"success"`
	ResponseModel string `json:"response_model"`
	Error         string `json:"error"`
	DurationMS    int64  `json:"duration_ms"`
}

func (a AIRequestLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUserID, a.UserID),
		slog.String("model", a.Model),
		slog.Bool("success", a.Success),
		slog.String("response_model", a.ResponseModel),
		slog.String("error", a.Error),
		slog.Int64("duration_ms", a.DurationMS),
	)
}
