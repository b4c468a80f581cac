// Package metrics emits standardised lifecycle metrics for jobs and runs.
package metrics

import (
	"time"

	obserrors "github.com/lumenlab/optiq/internal/observability/errors"
	"github.com/lumenlab/optiq/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Operation  string
	Model      string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"operation":  in.Operation,
		"model":      in.Model,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// RunMetric captures details about a run lifecycle event for metric emission.
type RunMetric struct {
	Transition string
	Result     string
	Iterations int
	Err        error
}

// EmitRunLifecycle emits standardised run lifecycle metrics.
func EmitRunLifecycle(sink statsd.Sink, in RunMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("run.transition", 1, tags)

	if in.Iterations > 0 {
		sink.Gauge("run.iterations", float64(in.Iterations), CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
