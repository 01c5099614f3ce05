package engine

import (
	"time"

	"github.com/skiffcloud/skiff/pkg/blueprint"
	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/provider"
	"github.com/skiffcloud/skiff/pkg/telemetry"
	"github.com/skiffcloud/skiff/pkg/tracker"
)

// Deps bundles the collaborators every workflow needs. All fields are
// required unless noted.
type Deps struct {
	Blueprints *blueprint.Store
	Tracker    *tracker.Store
	Provider   provider.API
	Bus        *bus.Bus
	Logger     *telemetry.Logger
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
}

// RetryPolicy controls in-step retries of transient provider failures.
type RetryPolicy struct {
	// MaxAttempts counts the first try. Zero means DefaultRetryPolicy.
	MaxAttempts int
	// BaseDelay doubles after each failed attempt.
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries transient failures twice with a short backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
}

func (p RetryPolicy) orDefault() RetryPolicy {
	if p.MaxAttempts <= 0 {
		return DefaultRetryPolicy
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	return p
}
