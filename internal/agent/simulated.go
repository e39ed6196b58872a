package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
)

const defaultSimulatedSources = 5

// SimulatedAgent walks through the research phases with a fixed delay per step
// and fabricates a deterministic answer. It is used for development and tests.
type SimulatedAgent struct {
	StepDelay time.Duration
	Sources   int
}

// Execute runs the simulated research loop, stopping as soon as ctx is done
func (a *SimulatedAgent) Execute(ctx context.Context, query string, budget Budget) (*Output, error) {
	count := a.Sources
	if count <= 0 {
		count = min(budget.MaxSearches, defaultSimulatedSources)
	}

	conversation := []domain.Message{{Role: "user", Content: query}}

	sources := make([]domain.Source, 0, count)
	for i := 1; i <= count; i++ {
		if err := a.step(ctx, domain.PhaseResearching, fmt.Sprintf("Searching source %d of %d", i, count)); err != nil {
			return nil, err
		}
		sources = append(sources, domain.Source{
			Number:  i,
			Title:   fmt.Sprintf("Reference %d", i),
			URL:     fmt.Sprintf("https://source%d.example.org/research", i),
			Snippet: fmt.Sprintf("Finding %d related to %q", i, query),
		})
	}

	for i := 1; i <= budget.MaxIterations; i++ {
		if err := a.step(ctx, domain.PhaseAnalyzing, fmt.Sprintf("Analysis iteration %d of %d", i, budget.MaxIterations)); err != nil {
			return nil, err
		}
		conversation = append(conversation, domain.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("Iteration %d reviewed %d sources", i, len(sources)),
		})
	}

	if err := a.step(ctx, domain.PhaseGenerating, domain.PhaseGenerating.Step()); err != nil {
		return nil, err
	}

	var answer strings.Builder
	fmt.Fprintf(&answer, "Summary for %q.\n\n", query)
	for _, src := range sources {
		fmt.Fprintf(&answer, "- %s [%d]\n", src.Snippet, src.Number)
	}
	conversation = append(conversation, domain.Message{Role: "assistant", Content: answer.String()})

	return &Output{
		FinalAnswer:  answer.String(),
		Sources:      sources,
		Conversation: conversation,
	}, nil
}

func (a *SimulatedAgent) step(ctx context.Context, phase domain.Phase, step string) error {
	ReportPhase(ctx, phase, step)

	if a.StepDelay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(a.StepDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
