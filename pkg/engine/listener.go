package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/telemetry"
)

// Handler executes one command kind.
type Handler func(ctx context.Context, cmd bus.Command) error

// Listener consumes the command channel with a pool of workers. Commands
// for different projects run concurrently; commands for the same project
// are serialized by a per-project lock so two deployments can never
// interleave on one blueprint.
type Listener struct {
	deps     Deps
	workers  int
	handlers map[bus.CommandKind]Handler
	cancels  map[string]*CancelFlag

	mu       sync.Mutex
	projects map[string]*sync.Mutex

	sub    *bus.Subscription
	wg     sync.WaitGroup
	logger *telemetry.Logger
}

// ListenerOption customizes a listener.
type ListenerOption func(*Listener)

// WithWorkers sets the worker pool size. The default is 4.
func WithWorkers(n int) ListenerOption {
	return func(l *Listener) {
		if n > 0 {
			l.workers = n
		}
	}
}

// NewListener wires the standard handlers: deploy, terminate, power, scan.
func NewListener(deps Deps, deployer *Deployer, deleter *Deleter, power *Power, scanner *Scanner, opts ...ListenerOption) *Listener {
	l := &Listener{
		deps:     deps,
		workers:  4,
		handlers: make(map[bus.CommandKind]Handler),
		cancels:  make(map[string]*CancelFlag),
		projects: make(map[string]*sync.Mutex),
		logger:   deps.Logger.NewComponentLogger("listener"),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.handlers[bus.KindDeploy] = func(ctx context.Context, cmd bus.Command) error {
		return deployer.Deploy(ctx, cmd.RequestID, cmd.ProjectSlug, l.lookupFlag(cmd.RequestID))
	}
	l.handlers[bus.KindTerminate] = func(ctx context.Context, cmd bus.Command) error {
		var p TerminatePayload
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				l.publishFailed(cmd.RequestID, "invalid terminate payload")
				return NewValidationError("parsing terminate payload", err)
			}
		}
		return deleter.Terminate(ctx, cmd.RequestID, cmd.ProjectSlug, p.Resources)
	}
	l.handlers[bus.KindPower] = func(ctx context.Context, cmd bus.Command) error {
		return power.Apply(ctx, cmd.RequestID, cmd.ProjectSlug, cmd.Payload)
	}
	l.handlers[bus.KindScan] = func(ctx context.Context, cmd bus.Command) error {
		var p ScanPayload
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				l.publishFailed(cmd.RequestID, "invalid scan payload")
				return NewValidationError("parsing scan payload", err)
			}
		}
		_, err := scanner.Scan(ctx, cmd.RequestID, p.Regions)
		return err
	}
	return l
}

// Cancel raises the cancel flag of an in-flight deployment. Unknown request
// IDs are a no-op.
func (l *Listener) Cancel(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if flag, ok := l.cancels[requestID]; ok {
		flag.Cancel()
	}
}

// registerFlag makes a deployment cancellable as soon as its command is
// picked up, before the handler body runs.
func (l *Listener) registerFlag(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancels[requestID] = &CancelFlag{}
}

func (l *Listener) lookupFlag(requestID string) *CancelFlag {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancels[requestID]
}

func (l *Listener) dropCancelFlag(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cancels, requestID)
}

// projectLock returns the mutex serializing one project's commands.
func (l *Listener) projectLock(slug string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.projects[slug]
	if !ok {
		m = &sync.Mutex{}
		l.projects[slug] = m
	}
	return m
}

// Start subscribes to the command channel and launches the worker pool.
// Workers exit when ctx is cancelled or the bus closes; Stop waits for
// in-flight commands to finish.
func (l *Listener) Start(ctx context.Context) {
	l.sub = l.deps.Bus.Subscribe(bus.ChannelCommands)
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.worker(ctx, i)
	}
	l.logger.WithField("workers", l.workers).Info("listener started")
}

// Stop detaches from the bus and waits for the pool to drain.
func (l *Listener) Stop() {
	if l.sub != nil {
		l.sub.Close()
	}
	l.wg.Wait()
	l.logger.Info("listener stopped")
}

func (l *Listener) worker(ctx context.Context, id int) {
	defer l.wg.Done()
	log := l.logger.WithField("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.sub.C():
			if !ok {
				return
			}
			l.handle(ctx, log, msg)
		}
	}
}

// handle dispatches one command, surviving handler panics: a panicking
// command reports failed and the worker lives on.
func (l *Listener) handle(ctx context.Context, log *telemetry.Logger, msg bus.Message) {
	cmd, err := bus.DecodeCommand(msg)
	if err != nil {
		log.WithError(err).Warn("dropping malformed command")
		return
	}

	log = log.WithRequestID(cmd.RequestID).WithProject(cmd.ProjectSlug).
		WithField("kind", string(cmd.Kind))

	handler, ok := l.handlers[cmd.Kind]
	if !ok {
		log.Warn("unknown command kind")
		l.publishFailed(cmd.RequestID, fmt.Sprintf("unknown command kind %q", cmd.Kind))
		return
	}

	if cmd.ProjectSlug != "" {
		lock := l.projectLock(cmd.ProjectSlug)
		lock.Lock()
		defer lock.Unlock()
	}

	if cmd.Kind == bus.KindDeploy {
		l.registerFlag(cmd.RequestID)
		defer l.dropCancelFlag(cmd.RequestID)
	}

	cmdCtx, span := l.deps.Tracer.StartCommandSpan(ctx, string(cmd.Kind), cmd.RequestID, cmd.ProjectSlug)
	defer span.End()
	l.deps.Metrics.CommandStarted()
	start := time.Now()
	outcome := "succeeded"

	defer func() {
		if r := recover(); r != nil {
			outcome = "panicked"
			log.WithField("panic", fmt.Sprint(r)).
				WithField("stack", string(debug.Stack())).
				Error("command handler panicked")
			l.publishFailed(cmd.RequestID, fmt.Sprintf("internal error handling %s", cmd.Kind))
		}
		l.deps.Metrics.CommandFinished()
		l.deps.Metrics.RecordCommand(string(cmd.Kind), outcome, time.Since(start))
	}()

	if err := handler(cmdCtx, cmd); err != nil {
		outcome = "failed"
		telemetry.RecordError(span, err)
		log.WithError(err).Error("command failed")
		return
	}
	telemetry.RecordSuccess(span)
	log.Info("command completed")
}

func (l *Listener) publishFailed(requestID, message string) {
	err := bus.PublishStatus(l.deps.Bus, bus.StatusEvent{
		RequestID: requestID,
		Phase:     bus.PhaseFailed,
		Message:   message,
	})
	if err != nil {
		l.logger.WithError(err).Warn("publishing failure event")
	}
}
