package syncer

import (
	"time"

	"github.com/agsys/edge-sync/internal/metrics"
)

// Report summarizes one full sync pass. Counters reflect progress made
// even when the pass stopped early.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time

	// Recovered counts sent commands whose dispatch was interrupted
	Recovered  int
	Requeued   int
	Dispatched int
	Completed  int
	Failed     int
	Skipped    int
	// MirrorFailures counts outcomes the backend did not receive
	MirrorFailures int

	TelemetryBatches  int
	TelemetryUploaded int
	TelemetryFailed   int
	// UploadSkipped is set when the backend was unreachable at the start
	UploadSkipped bool

	ConfigsPushed  int
	ConfigFailures int

	Expired         int64
	Purged          int64
	TelemetryPurged int64

	// Err is the hard failure that stopped the pass, if any
	Err error
}

// Succeeded reports a pass that finished with no failed command and no
// failed telemetry batch
func (r *Report) Succeeded() bool {
	return r.Err == nil && r.Failed == 0 && r.TelemetryFailed == 0
}

func (r *Report) record(out outcome) {
	switch {
	case out.skipped:
		r.Skipped++
		return
	case out.completed:
		r.Completed++
	default:
		r.Failed++
	}
	r.Dispatched++
	if out.mirrorErr {
		r.MirrorFailures++
	}
}

func (r *Report) result() string {
	switch {
	case r.Err != nil:
		return metrics.ResultError
	case !r.Succeeded():
		return metrics.ResultPartial
	}
	return metrics.ResultSuccess
}
