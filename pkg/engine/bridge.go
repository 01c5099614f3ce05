package engine

import (
	"context"
	"sync"

	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/telemetry"
)

// RequestSnapshot is the latest known state of one request, folded from its
// status events.
type RequestSnapshot struct {
	RequestID  string
	Phase      bus.Phase
	Step       *int
	TotalSteps *int
	Message    string
	// Deltas accumulates every resource change the request reported.
	Deltas []bus.ResourceDelta
}

// Percent returns overall progress in [0,100]. ok is false when the request
// has no step total: such runs are indeterminate, and rendering them as 0%
// would be a lie.
func (s *RequestSnapshot) Percent() (float64, bool) {
	if s.TotalSteps == nil || *s.TotalSteps == 0 || s.Step == nil {
		return 0, false
	}
	return float64(*s.Step) / float64(*s.TotalSteps) * 100, true
}

// Terminal reports whether the request has finished.
func (s *RequestSnapshot) Terminal() bool {
	return s.Phase.Terminal()
}

// Bridge consumes the status channel and folds events into per-request
// snapshots that synchronous callers can poll or wait on. It is the glue
// between the fire-and-forget command bus and anything that wants an
// answer, such as the CLI.
type Bridge struct {
	mu       sync.Mutex
	requests map[string]*RequestSnapshot
	waiters  map[string][]chan *RequestSnapshot

	sub    *bus.Subscription
	logger *telemetry.Logger
	done   chan struct{}
}

// NewBridge subscribes to the status channel and starts folding events.
// Close the bridge to detach.
func NewBridge(b *bus.Bus, logger *telemetry.Logger) *Bridge {
	br := &Bridge{
		requests: make(map[string]*RequestSnapshot),
		waiters:  make(map[string][]chan *RequestSnapshot),
		sub:      b.Subscribe(bus.ChannelStatus),
		logger:   logger.NewComponentLogger("bridge"),
		done:     make(chan struct{}),
	}
	go br.consume()
	return br
}

// Close detaches from the bus. Pending waiters are released with their last
// known snapshot state.
func (br *Bridge) Close() {
	br.sub.Close()
	<-br.done

	br.mu.Lock()
	defer br.mu.Unlock()
	for id, chans := range br.waiters {
		snap := br.requests[id]
		for _, ch := range chans {
			ch <- snap
		}
	}
	br.waiters = make(map[string][]chan *RequestSnapshot)
}

func (br *Bridge) consume() {
	defer close(br.done)
	for msg := range br.sub.C() {
		ev, err := bus.DecodeStatus(msg)
		if err != nil {
			br.logger.WithError(err).Warn("dropping malformed status event")
			continue
		}
		br.fold(ev)
	}
}

func (br *Bridge) fold(ev bus.StatusEvent) {
	br.mu.Lock()
	defer br.mu.Unlock()

	snap, ok := br.requests[ev.RequestID]
	if !ok {
		snap = &RequestSnapshot{RequestID: ev.RequestID}
		br.requests[ev.RequestID] = snap
	}
	snap.Phase = ev.Phase
	snap.Message = ev.Message
	if ev.Step != nil {
		snap.Step = ev.Step
	}
	if ev.TotalSteps != nil {
		snap.TotalSteps = ev.TotalSteps
	}
	snap.Deltas = append(snap.Deltas, ev.ResourceDeltas...)

	if snap.Terminal() {
		for _, ch := range br.waiters[ev.RequestID] {
			ch <- br.copySnapshot(snap)
		}
		delete(br.waiters, ev.RequestID)
	}
}

// Snapshot returns the current state of a request, or nil when the bridge
// has seen no events for it.
func (br *Bridge) Snapshot(requestID string) *RequestSnapshot {
	br.mu.Lock()
	defer br.mu.Unlock()
	snap, ok := br.requests[requestID]
	if !ok {
		return nil
	}
	return br.copySnapshot(snap)
}

// Wait blocks until the request reaches a terminal phase or the context is
// done. Requests already terminal return immediately.
func (br *Bridge) Wait(ctx context.Context, requestID string) (*RequestSnapshot, error) {
	br.mu.Lock()
	if snap, ok := br.requests[requestID]; ok && snap.Terminal() {
		copied := br.copySnapshot(snap)
		br.mu.Unlock()
		return copied, nil
	}
	ch := make(chan *RequestSnapshot, 1)
	br.waiters[requestID] = append(br.waiters[requestID], ch)
	br.mu.Unlock()

	select {
	case snap := <-ch:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (br *Bridge) copySnapshot(snap *RequestSnapshot) *RequestSnapshot {
	copied := *snap
	copied.Deltas = append([]bus.ResourceDelta(nil), snap.Deltas...)
	return &copied
}
