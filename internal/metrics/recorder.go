package metrics

// Outcome labels a terminal break transition.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeViolated  Outcome = "violated"
	OutcomeMidnight  Outcome = "midnight"
)

// Recorder defines observability hooks for the wind and break machinery. Implementations may
// forward to Prometheus; NoopRecorder is the default when metrics are not configured.
type Recorder interface {
	IncWindUpdate(applied bool)
	SetWindPoints(petID string, points float64)
	IncBlowAway()
	IncBreakStarted(kind string)
	IncBreakOutcome(kind string, outcome Outcome)
	IncReconcile(adopted bool)
	IncSessionRestart(announced bool)
	IncReadFallback(key string)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) IncWindUpdate(bool) {}
func (NoopRecorder) SetWindPoints(string, float64) {}
func (NoopRecorder) IncBlowAway() {}
func (NoopRecorder) IncBreakStarted(string) {}
func (NoopRecorder) IncBreakOutcome(string, Outcome) {}
func (NoopRecorder) IncReconcile(bool) {}
func (NoopRecorder) IncSessionRestart(bool) {}
func (NoopRecorder) IncReadFallback(string) {}
