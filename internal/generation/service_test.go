package generation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/clipforge/internal/entitlement"
	"github.com/dukerupert/clipforge/internal/gateway"
	"github.com/dukerupert/clipforge/internal/logging"
	"github.com/dukerupert/clipforge/internal/principal"
	"github.com/dukerupert/clipforge/internal/progress"
)

var alice = principal.Principal{UserID: "user_alice", Email: "alice@example.com"}

type fakeGateway struct {
	mu   sync.Mutex
	reqs []gateway.Request
	body json.RawMessage
	err  error
}

func (f *fakeGateway) Call(_ context.Context, req gateway.Request, _ principal.Principal) (*gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Result{Status: 200, Body: f.body}, nil
}

type fakeUsage struct {
	mu           sync.Mutex
	limits       entitlement.UsageLimits
	increments   []string
	incrementErr error
}

func (f *fakeUsage) CheckLimits(context.Context, principal.Principal, string) (entitlement.UsageLimits, error) {
	return f.limits, nil
}

func (f *fakeUsage) IncrementUsage(_ context.Context, _ principal.Principal, _, op string) (entitlement.UsageLimits, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments = append(f.increments, op)
	return f.limits, f.incrementErr
}

func quickOrchestrator() *progress.Orchestrator {
	return progress.New(logging.Discard(), progress.WithSchedule(progress.Schedule{
		{Stage: progress.StageInitializing, Percent: 5, Message: "Starting", Hold: time.Millisecond},
		{Stage: progress.StageGenerating, Percent: 50, Message: "Generating", Hold: time.Millisecond},
	}))
}

func allowed() entitlement.UsageLimits {
	return entitlement.UsageLimits{Plan: "pro", VideosPerMonth: 10, VideosUsed: 2, VideosRemaining: 8, CanCreateVideo: true}
}

func runToEnd(t *testing.T, job *progress.Job, sub *progress.Subscription) progress.Event {
	t.Helper()
	done := make(chan progress.Event, 1)
	go func() { done <- job.Run(context.Background()) }()
	var last progress.Event
	for ev := range sub.Events() {
		last = ev
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish")
	}
	return last
}

func TestStartSuccessIncrementsOnce(t *testing.T) {
	gw := &fakeGateway{body: json.RawMessage(`{"video_id":"v1"}`)}
	usage := &fakeUsage{limits: allowed()}
	svc := NewService(gw, usage, quickOrchestrator(), logging.Discard())

	job, sub, err := svc.Start(context.Background(), alice, Request{Prompt: "a cat surfing"})
	require.NoError(t, err)

	last := runToEnd(t, job, sub)
	assert.Equal(t, progress.TypeComplete, last.Type)
	assert.JSONEq(t, `{"video_id":"v1"}`, string(last.Result))

	require.Len(t, gw.reqs, 1)
	req := gw.reqs[0]
	assert.Equal(t, "/api/videos/generate", req.Path)
	assert.Equal(t, gateway.Processing, req.Budget)
	assert.Equal(t, job.ID(), req.IdempotencyKey)

	sent, ok := req.JSON.(backendRequest)
	require.True(t, ok)
	assert.Equal(t, "cinematic", sent.Style)
	assert.Equal(t, 10, sent.DurationSeconds)
	assert.Equal(t, job.ID(), sent.JobID)

	assert.Equal(t, []string{job.ID()}, usage.increments)
}

func TestStartLimitReachedMakesNoCall(t *testing.T) {
	gw := &fakeGateway{}
	usage := &fakeUsage{limits: entitlement.UsageLimits{Plan: "free", VideosPerMonth: 1, VideosUsed: 1}}
	svc := NewService(gw, usage, quickOrchestrator(), logging.Discard())

	_, _, err := svc.Start(context.Background(), alice, Request{Prompt: "a cat"})
	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 1, le.Limits.VideosUsed)
	assert.Empty(t, gw.reqs)
	assert.Empty(t, usage.increments)
}

func TestStartFailedGenerationDoesNotIncrement(t *testing.T) {
	gw := &fakeGateway{err: &gateway.Error{Kind: gateway.Timeout, Err: context.DeadlineExceeded}}
	usage := &fakeUsage{limits: allowed()}
	svc := NewService(gw, usage, quickOrchestrator(), logging.Discard())

	job, sub, err := svc.Start(context.Background(), alice, Request{Prompt: "a cat"})
	require.NoError(t, err)

	last := runToEnd(t, job, sub)
	assert.Equal(t, progress.TypeError, last.Type)
	assert.Equal(t, "Video generation timed out. Please try again.", last.Message)
	assert.Empty(t, usage.increments)
}

func TestIncrementFailureKeepsSuccess(t *testing.T) {
	gw := &fakeGateway{body: json.RawMessage(`{"video_id":"v2"}`)}
	usage := &fakeUsage{limits: allowed(), incrementErr: errors.New("boom")}
	svc := NewService(gw, usage, quickOrchestrator(), logging.Discard())

	job, sub, err := svc.Start(context.Background(), alice, Request{Prompt: "a cat"})
	require.NoError(t, err)

	last := runToEnd(t, job, sub)
	assert.Equal(t, progress.TypeComplete, last.Type)
	assert.Len(t, usage.increments, 1)
}

func TestValidate(t *testing.T) {
	svc := NewService(&fakeGateway{}, &fakeUsage{}, quickOrchestrator(), logging.Discard())

	tests := []struct {
		name   string
		req    Request
		fields []string
	}{
		{"ok with defaults", Request{Prompt: "x"}, nil},
		{"blank prompt", Request{Prompt: "   "}, []string{"prompt"}},
		{"bad style", Request{Prompt: "x", Style: "noir"}, []string{"style"}},
		{"too short", Request{Prompt: "x", DurationSeconds: 2}, []string{"duration_seconds"}},
		{"too long", Request{Prompt: "x", DurationSeconds: 61}, []string{"duration_seconds"}},
		{"bad image", Request{Prompt: "x", ImageURL: "not a url"}, []string{"image_url"}},
		{"uppercase style", Request{Prompt: "x", Style: "Anime"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Validate(&tt.req)
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			for _, f := range tt.fields {
				assert.Contains(t, ve.Fields, f)
			}
		})
	}
}
