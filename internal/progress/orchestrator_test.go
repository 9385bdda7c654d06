package progress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/clipforge/internal/gateway"
	"github.com/dukerupert/clipforge/internal/logging"
	"github.com/dukerupert/clipforge/internal/principal"
)

func fastSchedule(hold time.Duration) Schedule {
	s := DefaultSchedule()
	for i := range s {
		s[i].Hold = hold
	}
	return s
}

// collect drains a subscription, failing the test if it does not close in time.
func collect(t *testing.T, sub *Subscription, within time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("stream did not close within %s; got %d events", within, len(events))
			return nil
		}
	}
}

func assertWellFormed(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)

	terminals := 0
	last := 0
	for i, ev := range events {
		if ev.Terminal() {
			terminals++
			assert.Equal(t, len(events)-1, i, "terminal event must be last")
			continue
		}
		assert.Equal(t, TypeProgress, ev.Type)
		assert.GreaterOrEqual(t, ev.Percent, last, "percent went backwards at event %d", i)
		assert.Less(t, ev.Percent, 100)
		last = ev.Percent
	}
	assert.Equal(t, 1, terminals)
	return events[len(events)-1]
}

func TestJobSuccessAfterFullSchedule(t *testing.T) {
	o := New(logging.Discard(), WithSchedule(fastSchedule(2*time.Millisecond)))
	job := o.NewJob("job-1", func(ctx context.Context) (json.RawMessage, error) {
		time.Sleep(80 * time.Millisecond)
		return json.RawMessage(`{"video_url":"https://cdn.example.com/v.mp4"}`), nil
	})
	sub := job.Subscribe()

	done := make(chan Event, 1)
	go func() { done <- job.Run(context.Background()) }()

	events := collect(t, sub, 2*time.Second)
	terminal := assertWellFormed(t, events)

	assert.Equal(t, TypeComplete, terminal.Type)
	assert.Equal(t, 100, terminal.Percent)
	assert.JSONEq(t, `{"video_url":"https://cdn.example.com/v.mp4"}`, string(terminal.Result))
	assert.Len(t, events, len(DefaultSchedule())+1)
	assert.Equal(t, StageInitializing, events[0].Stage)
	assert.Equal(t, StageFinalizing, events[len(events)-2].Stage)
	assert.Equal(t, terminal, <-done)
}

func TestJobSuccessBeforeScheduleEnds(t *testing.T) {
	o := New(logging.Discard(), WithSchedule(fastSchedule(50*time.Millisecond)))
	job := o.NewJob("job-2", func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"v2"}`), nil
	})
	sub := job.Subscribe()
	go job.Run(context.Background())

	events := collect(t, sub, time.Second)
	terminal := assertWellFormed(t, events)

	assert.Equal(t, TypeComplete, terminal.Type)
	assert.Less(t, len(events), len(DefaultSchedule())+1, "remaining synthetic stages must be dropped")
}

func TestJobFailureEmitsSingleError(t *testing.T) {
	o := New(logging.Discard(), WithSchedule(fastSchedule(time.Millisecond)))
	job := o.NewJob("job-3", func(ctx context.Context) (json.RawMessage, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, &gateway.Error{Kind: gateway.BackendRejected, Status: 422, Message: "prompt violates policy"}
	})
	sub := job.Subscribe()
	go job.Run(context.Background())

	events := collect(t, sub, time.Second)
	terminal := assertWellFormed(t, events)

	assert.Equal(t, TypeError, terminal.Type)
	assert.Equal(t, "Video generation failed: prompt violates policy", terminal.Message)
	assert.Empty(t, terminal.Result)
}

func TestJobCallIssuedAfterPrefix(t *testing.T) {
	schedule := Schedule{
		{StageInitializing, 5, "init", 150 * time.Millisecond},
		{StageAnalyzing, 15, "analyze", 150 * time.Millisecond},
		{StagePreparing, 25, "prepare", 0},
	}
	started := make(chan struct{})
	release := make(chan struct{})
	o := New(logging.Discard(), WithSchedule(schedule), WithCallAfter(2))
	job := o.NewJob("job-4", func(ctx context.Context) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{}`), nil
	})
	sub := job.Subscribe()
	go job.Run(context.Background())

	first := <-sub.Events()
	assert.Equal(t, StageInitializing, first.Stage)
	select {
	case <-started:
		t.Fatal("real call started before the synthetic prefix was emitted")
	default:
	}

	second := <-sub.Events()
	assert.Equal(t, StageAnalyzing, second.Stage)
	select {
	case <-started:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("real call not started after the prefix")
	}

	close(release)
	events := collect(t, sub, time.Second)
	assert.Equal(t, TypeComplete, events[len(events)-1].Type)
}

func TestJobPercentNeverDecreases(t *testing.T) {
	schedule := Schedule{
		{StageInitializing, 30, "a", time.Millisecond},
		{StageAnalyzing, 10, "b", time.Millisecond},
		{StagePreparing, 120, "c", time.Millisecond},
		{StageGenerating, 50, "d", 0},
	}
	release := make(chan struct{})
	o := New(logging.Discard(), WithSchedule(schedule))
	job := o.NewJob("job-5", func(ctx context.Context) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	sub := job.Subscribe()
	go job.Run(context.Background())

	var percents []int
	for i := 0; i < len(schedule); i++ {
		percents = append(percents, (<-sub.Events()).Percent)
	}
	close(release)
	collect(t, sub, time.Second)

	assert.Equal(t, []int{30, 30, 99, 99}, percents)
}

func TestJobListenerDisconnectStopsStreamButNotCall(t *testing.T) {
	release := make(chan struct{})
	var callCtxErr error
	callDone := make(chan struct{})
	o := New(logging.Discard(), WithSchedule(fastSchedule(20*time.Millisecond)))
	job := o.NewJob("job-6", func(ctx context.Context) (json.RawMessage, error) {
		defer close(callDone)
		<-release
		callCtxErr = ctx.Err()
		return json.RawMessage(`{}`), nil
	})
	sub := job.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan Event, 1)
	go func() { ran <- job.Run(ctx) }()

	<-sub.Events()
	cancel()

	select {
	case ev := <-ran:
		assert.Equal(t, Event{}, ev)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	for ev := range sub.Events() {
		assert.False(t, ev.Terminal(), "no terminal event after disconnect")
	}

	close(release)
	<-callDone
	assert.NoError(t, callCtxErr, "real call context must not be canceled by the listener")
}

func TestJobAllListenersLeaving(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	o := New(logging.Discard(), WithSchedule(fastSchedule(20*time.Millisecond)))
	job := o.NewJob("job-7", func(ctx context.Context) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	a, b := job.Subscribe(), job.Subscribe()

	ran := make(chan Event, 1)
	go func() { ran <- job.Run(context.Background()) }()

	<-a.Events()
	a.Close()
	a.Close()
	<-b.Events()
	b.Close()

	select {
	case ev := <-ran:
		assert.Equal(t, Event{}, ev)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after every listener left")
	}
}

func TestJobFanOutToSubscribers(t *testing.T) {
	o := New(logging.Discard(), WithSchedule(fastSchedule(time.Millisecond)))
	job := o.NewJob("job-8", func(ctx context.Context) (json.RawMessage, error) {
		time.Sleep(30 * time.Millisecond)
		return json.RawMessage(`{"ok":true}`), nil
	})
	a, b := job.Subscribe(), job.Subscribe()
	go job.Run(context.Background())

	ea := collect(t, a, time.Second)
	eb := collect(t, b, time.Second)
	assert.Equal(t, ea, eb)

	late := job.Subscribe()
	_, ok := <-late.Events()
	assert.False(t, ok, "subscription after finish must be closed")
}

func TestJobGatewayTimeoutScenario(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(3 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()

	budget := 60 * time.Millisecond
	gw := gateway.NewClient(backend.URL,
		gateway.WithBudget(gateway.Processing, budget),
		gateway.WithLogger(logging.Discard()),
	)
	p := principal.Principal{UserID: "u1", Email: "u1@example.com"}

	o := New(logging.Discard(), WithSchedule(fastSchedule(5*time.Millisecond)))
	job := o.NewJob("job-9", func(ctx context.Context) (json.RawMessage, error) {
		res, err := gw.Call(ctx, gateway.JSONRequest(http.MethodPost, "/api/videos/generate", gateway.Processing, map[string]string{"prompt": "x"}), p)
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	})
	sub := job.Subscribe()

	start := time.Now()
	go job.Run(context.Background())
	events := collect(t, sub, 2*time.Second)
	elapsed := time.Since(start)

	terminal := assertWellFormed(t, events)
	assert.Equal(t, TypeError, terminal.Type)
	assert.Contains(t, terminal.Message, "timed out")
	assert.Less(t, elapsed, budget+time.Second)
	assert.Zero(t, gw.ActiveTimers())
}

func TestErrorMessage(t *testing.T) {
	assert.Contains(t, ErrorMessage(&gateway.Error{Kind: gateway.Timeout}), "timed out")
	assert.Contains(t, ErrorMessage(&gateway.Error{Kind: gateway.BackendUnreachable}), "unreachable")
	assert.Equal(t, "Video generation failed: nope", ErrorMessage(&gateway.Error{Kind: gateway.BackendRejected, Message: "nope"}))
	assert.Contains(t, ErrorMessage(&gateway.Error{Kind: gateway.Malformed}), "unexpected response")
	assert.Equal(t, "Video generation failed. Please try again.", ErrorMessage(errors.New("boom")))
}

func TestEventJSON(t *testing.T) {
	data, err := json.Marshal(Event{Type: TypeError, Stage: StageError, Message: "boom"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","stage":"error","message":"boom"}`, string(data))

	data, err = json.Marshal(Event{Type: TypeComplete, Percent: 100, Result: json.RawMessage(`{"id":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"complete","percent":100,"result":{"id":1}}`, string(data))
}
