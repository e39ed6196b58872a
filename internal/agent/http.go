package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
)

// StatusError is returned when the remote agent answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("research agent returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

type researchRequest struct {
	Query         string `json:"query"`
	MaxIterations int    `json:"max_iterations"`
	MaxSearches   int    `json:"max_searches"`
}

type researchResponse struct {
	FinalAnswer  string           `json:"final_answer"`
	Sources      []domain.Source  `json:"sources"`
	Conversation []domain.Message `json:"conversation"`
}

// HTTPAgent delegates research to a remote endpoint
type HTTPAgent struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// NewHTTPAgent creates a new HTTPAgent
func NewHTTPAgent(httpClient *http.Client, endpoint, apiKey string) *HTTPAgent {
	return &HTTPAgent{
		httpClient: httpClient,
		endpoint:   endpoint,
		apiKey:     apiKey,
	}
}

// Execute posts the query to the remote endpoint and decodes its answer
func (a *HTTPAgent) Execute(ctx context.Context, query string, budget Budget) (*Output, error) {
	bodyBytes, err := json.Marshal(researchRequest{
		Query:         query,
		MaxIterations: budget.MaxIterations,
		MaxSearches:   budget.MaxSearches,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	ReportPhase(ctx, domain.PhaseResearching, "Waiting for remote research agent")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	ReportPhase(ctx, domain.PhaseGenerating, "Decoding research answer")

	var out researchResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &domain.AgentError{AgentType: TypeHTTP, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if out.FinalAnswer == "" {
		return nil, &domain.AgentError{AgentType: TypeHTTP, Err: errors.New("response has no final answer")}
	}

	return &Output{
		FinalAnswer:  out.FinalAnswer,
		Sources:      out.Sources,
		Conversation: out.Conversation,
	}, nil
}
