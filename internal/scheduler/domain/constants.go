package domain

// Status is the coarse-grained state of a job
type Status string

// Job status constants
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition can occur from s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is one of the known statuses
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Phase is a named stage of in-progress work, finer grained than Status
type Phase string

// Lifecycle phases in happy-path order
const (
	PhaseQueued      Phase = "queued"
	PhaseStarting    Phase = "starting"
	PhaseResearching Phase = "researching"
	PhaseAnalyzing   Phase = "analyzing"
	PhaseGenerating  Phase = "generating"
	PhaseFinalizing  Phase = "finalizing"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
	PhaseCancelled   Phase = "cancelled"
)

var phaseOrder = map[Phase]int{
	PhaseQueued:      0,
	PhaseStarting:    1,
	PhaseResearching: 2,
	PhaseAnalyzing:   3,
	PhaseGenerating:  4,
	PhaseFinalizing:  5,
	PhaseCompleted:   6,
}

var phaseProgress = map[Phase]int{
	PhaseQueued:      0,
	PhaseStarting:    5,
	PhaseResearching: 20,
	PhaseAnalyzing:   50,
	PhaseGenerating:  75,
	PhaseFinalizing:  90,
	PhaseCompleted:   100,
}

var phaseSteps = map[Phase]string{
	PhaseQueued:      "Waiting in queue",
	PhaseStarting:    "Starting execution",
	PhaseResearching: "Researching",
	PhaseAnalyzing:   "Analyzing sources",
	PhaseGenerating:  "Generating answer",
	PhaseFinalizing:  "Finalizing result",
	PhaseCompleted:   "Completed",
	PhaseFailed:      "Failed",
	PhaseCancelled:   "Cancelled",
}

// IsTerminal reports whether p ends the lifecycle
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Order returns the position of p on the happy path, or -1 for early-termination phases
func (p Phase) Order() int {
	if o, ok := phaseOrder[p]; ok {
		return o
	}
	return -1
}

// Progress returns the nominal progress percentage for p
func (p Phase) Progress() int {
	return phaseProgress[p]
}

// Step returns the default human-readable step description for p
func (p Phase) Step() string {
	return phaseSteps[p]
}

// CanAdvanceTo reports whether moving from p to next respects the forward-only ordering.
// Failed and cancelled are reachable from every non-terminal phase.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if p.IsTerminal() {
		return false
	}
	if next == PhaseFailed || next == PhaseCancelled {
		return true
	}
	return next.Order() > p.Order()
}

// HappyPathPhases lists the non-terminal phases in order
func HappyPathPhases() []Phase {
	return []Phase{PhaseQueued, PhaseStarting, PhaseResearching, PhaseAnalyzing, PhaseGenerating, PhaseFinalizing}
}

// ErrorType classifies a job failure
type ErrorType string

// Error classification constants
const (
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypePermission     ErrorType = "permission"
	ErrorTypeResource       ErrorType = "resource"
	ErrorTypeAgent          ErrorType = "agent"
	ErrorTypeSystem         ErrorType = "system"
	ErrorTypeUserCancelled  ErrorType = "user_cancelled"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// Severity ranks how serious a failure is
type Severity string

// Severity constants
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Default agent budget used when a request carries no override
const (
	DefaultMaxIterations = 5
	DefaultMaxSearches   = 10
	MinPriority          = -100
	MaxPriority          = 100
)
