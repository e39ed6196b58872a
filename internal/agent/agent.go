// Package agent defines the execution contract the scheduler runs jobs
// against, plus the built-in agent implementations.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
)

// Known agent types
const (
	TypeSimulated = "simulated"
	TypeHTTP      = "http"
)

// Budget bounds the work an agent may do for one query
type Budget struct {
	MaxIterations int
	MaxSearches   int
}

// Output is what an agent returns for a successful query
type Output struct {
	FinalAnswer  string
	Sources      []domain.Source
	Conversation []domain.Message
}

// Agent answers a research query
type Agent interface {
	Execute(ctx context.Context, query string, budget Budget) (*Output, error)
}

// PhaseReporter receives phase changes reported by an agent
type PhaseReporter func(phase domain.Phase, step string)

type reporterKey struct{}

// WithPhaseReporter attaches a reporter to ctx
func WithPhaseReporter(ctx context.Context, r PhaseReporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// ReportPhase forwards a phase change to the reporter attached to ctx, if any
func ReportPhase(ctx context.Context, phase domain.Phase, step string) {
	if r, ok := ctx.Value(reporterKey{}).(PhaseReporter); ok && r != nil {
		r(phase, step)
	}
}

// HTTPConfig configures the remote research agent
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Config selects and configures agents
type Config struct {
	DefaultType string
	StepDelay   time.Duration
	HTTP        HTTPConfig
}

// Factory builds agents by type name
type Factory struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFactory creates a new Factory
func NewFactory(config Config, logger *slog.Logger) *Factory {
	if config.DefaultType == "" {
		config.DefaultType = TypeSimulated
	}
	timeout := config.HTTP.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Factory{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Check reports whether New can build an agent of agentType
func (f *Factory) Check(agentType string) error {
	if agentType == "" {
		agentType = f.config.DefaultType
	}

	switch agentType {
	case TypeSimulated:
		return nil
	case TypeHTTP:
		if f.config.HTTP.Endpoint == "" {
			return fmt.Errorf("http agent endpoint is not configured")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownAgentType, agentType)
	}
}

// New returns the agent for agentType; an empty type selects the configured default
func (f *Factory) New(agentType string) (Agent, error) {
	if agentType == "" {
		agentType = f.config.DefaultType
	}
	if err := f.Check(agentType); err != nil {
		return nil, err
	}

	f.logger.Debug("Creating agent",
		slog.String("agent_type", agentType),
	)

	if agentType == TypeHTTP {
		return NewHTTPAgent(f.httpClient, f.config.HTTP.Endpoint, f.config.HTTP.APIKey), nil
	}
	return &SimulatedAgent{StepDelay: f.config.StepDelay}, nil
}
