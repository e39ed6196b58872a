package scheduler

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/agent"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
)

const (
	charsPerToken        = 4
	costPer1KTokens      = 0.002
	qualityTargetLength  = 2000
	qualityTargetSources = 10
)

// buildResult maps agent output into a JobResult
func buildResult(jobID string, out *agent.Output, elapsed time.Duration, now time.Time) *domain.JobResult {
	sources := normalizeSources(out.Sources)

	conversation := out.Conversation
	if conversation == nil {
		conversation = []domain.Message{}
	}

	chars := len(out.FinalAnswer)
	for _, msg := range conversation {
		chars += len(msg.Content)
	}
	tokens := chars / charsPerToken

	return &domain.JobResult{
		JobID:       jobID,
		FinalAnswer: out.FinalAnswer,
		Sources:     sources,
		Metrics: domain.Metrics{
			ExecutionSeconds:  elapsed.Seconds(),
			SourcesCount:      len(sources),
			ConversationTurns: len(conversation),
			EstimatedTokens:   tokens,
			EstimatedCost:     float64(tokens) / 1000 * costPer1KTokens,
		},
		Conversation: conversation,
		Artifacts:    map[string]string{},
		QualityScore: qualityScore(out.FinalAnswer, sources),
		CreatedAt:    now.UTC(),
	}
}

// normalizeSources sorts by number, drops duplicates by URL (or title when the
// URL is empty) and renumbers from 1
func normalizeSources(in []domain.Source) []domain.Source {
	sorted := make([]domain.Source, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Number < sorted[j].Number
	})

	seen := make(map[string]bool, len(sorted))
	out := make([]domain.Source, 0, len(sorted))
	for _, src := range sorted {
		key := strings.ToLower(strings.TrimSpace(src.URL))
		if key == "" {
			key = "title:" + strings.ToLower(strings.TrimSpace(src.Title))
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		src.Number = len(out) + 1
		out = append(out, src)
	}
	return out
}

// qualityScore weighs answer length and source count at 0.4 each and source
// domain diversity at 0.2
func qualityScore(answer string, sources []domain.Source) float64 {
	lengthScore := min(float64(len(answer))/qualityTargetLength, 1)
	countScore := min(float64(len(sources))/qualityTargetSources, 1)

	diversity := 0.0
	if len(sources) > 0 {
		hosts := make(map[string]bool)
		for _, src := range sources {
			if u, err := url.Parse(src.URL); err == nil && u.Host != "" {
				hosts[strings.ToLower(u.Host)] = true
			}
		}
		diversity = float64(len(hosts)) / float64(len(sources))
	}

	return lengthScore*0.4 + countScore*0.4 + diversity*0.2
}

// renderReport produces the markdown report stored next to a completed job
func renderReport(status *domain.JobStatus, result *domain.JobResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Research Report\n\n")
	fmt.Fprintf(&b, "**Job ID:** %s\n\n", status.JobID)
	fmt.Fprintf(&b, "**Query:** %s\n\n", status.Request.Query)
	if len(status.Tags) > 0 {
		fmt.Fprintf(&b, "**Tags:** %s\n\n", strings.Join(status.Tags, ", "))
	}
	fmt.Fprintf(&b, "**Generated:** %s\n\n", result.CreatedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "## Answer\n\n%s\n\n", strings.TrimSpace(result.FinalAnswer))

	if len(result.Sources) > 0 {
		fmt.Fprintf(&b, "## Sources\n\n")
		for _, src := range result.Sources {
			title := src.Title
			if title == "" {
				title = src.URL
			}
			if src.URL != "" {
				fmt.Fprintf(&b, "%d. [%s](%s)\n", src.Number, title, src.URL)
			} else {
				fmt.Fprintf(&b, "%d. %s\n", src.Number, title)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Metrics\n\n")
	fmt.Fprintf(&b, "- Execution time: %.1fs\n", result.Metrics.ExecutionSeconds)
	fmt.Fprintf(&b, "- Sources: %d\n", result.Metrics.SourcesCount)
	fmt.Fprintf(&b, "- Conversation turns: %d\n", result.Metrics.ConversationTurns)
	fmt.Fprintf(&b, "- Estimated tokens: %d\n", result.Metrics.EstimatedTokens)
	fmt.Fprintf(&b, "- Estimated cost: $%.4f\n", result.Metrics.EstimatedCost)
	fmt.Fprintf(&b, "- Quality score: %.2f\n", result.QualityScore)

	return b.String()
}
