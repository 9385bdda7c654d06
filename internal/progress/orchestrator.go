// Package progress streams a staged progress narrative for a long-running
// generation job. A synthetic stage schedule and the single real backend call
// run as independent goroutines; one sequencer merges them into an ordered
// stream that ends with exactly one terminal event decided by the real call.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/clipforge/internal/metrics"
)

// Call is the real operation behind a job. Its context is detached from the
// listener: a disconnect does not abort a billed operation.
type Call func(ctx context.Context) (json.RawMessage, error)

type Orchestrator struct {
	schedule  Schedule
	callAfter int
	describe  func(error) string
	logger    *slog.Logger
}

type Option func(*Orchestrator)

func WithSchedule(s Schedule) Option {
	return func(o *Orchestrator) {
		o.schedule = s
	}
}

// WithCallAfter sets how many synthetic steps are emitted before the real
// call is issued.
func WithCallAfter(n int) Option {
	return func(o *Orchestrator) {
		o.callAfter = n
	}
}

// WithErrorMessage replaces ErrorMessage for the error event text.
func WithErrorMessage(f func(error) string) Option {
	return func(o *Orchestrator) {
		o.describe = f
	}
}

func New(logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		schedule:  DefaultSchedule(),
		callAfter: 1,
		describe:  ErrorMessage,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewJob prepares a job. Nothing runs until Run.
func (o *Orchestrator) NewJob(id string, call Call) *Job {
	return &Job{
		id:   id,
		o:    o,
		call: call,
		subs: make(map[*Subscription]struct{}),
		left: make(chan struct{}),
	}
}

type outcome struct {
	body json.RawMessage
	err  error
}

// Job is one generation's event stream. Listeners hold a Subscription; only
// the sequencer inside Run writes events.
type Job struct {
	id   string
	o    *Orchestrator
	call Call

	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	hadSubs  bool
	finished bool
	left     chan struct{}
	leftOnce sync.Once
}

func (j *Job) ID() string { return j.id }

// Subscribe registers a listener. Subscribing after the job finished yields
// an already closed subscription.
func (j *Job) Subscribe() *Subscription {
	s := &Subscription{
		job:  j,
		ch:   make(chan Event, len(j.o.schedule)+2),
		done: make(chan struct{}),
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		close(s.ch)
		return s
	}
	j.subs[s] = struct{}{}
	j.hadSubs = true
	return s
}

func (j *Job) unsubscribe(s *Subscription) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.subs[s]; !ok {
		return
	}
	delete(j.subs, s)
	if j.hadSubs && len(j.subs) == 0 {
		j.leftOnce.Do(func() { close(j.left) })
	}
}

// Run drives the job and blocks until the terminal event was published, ctx
// is done, or every listener left. It returns the terminal event, or the zero
// Event when the stream was abandoned before the outcome was known.
func (j *Job) Run(ctx context.Context) Event {
	log := j.o.logger.With("job_id", j.id)
	start := time.Now()

	steps := make(chan Step)
	stop := make(chan struct{})
	defer close(stop)
	defer j.finish()
	go runSchedule(j.o.schedule, steps, stop)

	results := make(chan outcome, 1)
	callCtx := context.WithoutCancel(ctx)
	called := false
	startCall := func() {
		called = true
		go func() {
			body, err := j.call(callCtx)
			results <- outcome{body: body, err: err}
		}()
	}
	if j.o.callAfter <= 0 {
		startCall()
	}

	emitted, last := 0, 0
	for {
		select {
		case <-ctx.Done():
			log.Info("progress stream abandoned", "reason", ctx.Err(), "emitted", emitted)
			metrics.ProgressJobsTotal.WithLabelValues("abandoned").Inc()
			return Event{}

		case <-j.left:
			log.Info("progress listeners left", "emitted", emitted)
			metrics.ProgressJobsTotal.WithLabelValues("abandoned").Inc()
			return Event{}

		case step, ok := <-steps:
			if !ok {
				steps = nil
				if !called {
					startCall()
				}
				continue
			}
			// Percent never moves backwards and 100 is reserved for complete.
			last = min(max(last, step.Percent), 99)
			j.publish(ctx, Event{Type: TypeProgress, Percent: last, Message: step.Message, Stage: step.Stage})
			emitted++
			if !called && emitted >= j.o.callAfter {
				startCall()
			}

		case res := <-results:
			ev := Event{Type: TypeComplete, Percent: 100, Stage: StageComplete, Message: "Your video is ready!", Result: res.body}
			if res.err != nil {
				ev = Event{Type: TypeError, Stage: StageError, Message: j.o.describe(res.err)}
				log.Warn("generation failed", "error", res.err, "duration", time.Since(start))
			} else {
				log.Info("generation complete", "duration", time.Since(start))
			}
			j.publish(ctx, ev)
			metrics.ProgressJobsTotal.WithLabelValues(string(ev.Type)).Inc()
			return ev
		}
	}
}

// runSchedule is the synthetic task. It feeds steps until the schedule ends
// or stop closes.
func runSchedule(schedule Schedule, steps chan<- Step, stop <-chan struct{}) {
	defer close(steps)
	for _, step := range schedule {
		select {
		case steps <- step:
		case <-stop:
			return
		}
		if step.Hold <= 0 {
			continue
		}
		t := time.NewTimer(step.Hold)
		select {
		case <-t.C:
		case <-stop:
			t.Stop()
			return
		}
	}
}

func (j *Job) publish(ctx context.Context, ev Event) {
	j.mu.Lock()
	subs := make([]*Subscription, 0, len(j.subs))
	for s := range j.subs {
		subs = append(subs, s)
	}
	j.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// finish closes every subscription channel. No event follows.
func (j *Job) finish() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = true
	for s := range j.subs {
		close(s.ch)
		delete(j.subs, s)
	}
}

// Subscription is a listener's handle on a job's stream.
type Subscription struct {
	job  *Job
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Events yields the job's events in emission order and closes after the
// terminal event or when the job is abandoned.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the listener. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.job.unsubscribe(s)
	})
}
