// Package generation starts video generation jobs: it validates the request,
// checks the caller's allowance, and wires the real backend call (followed by
// the usage increment) into a progress job.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukerupert/clipforge/internal/entitlement"
	"github.com/dukerupert/clipforge/internal/gateway"
	"github.com/dukerupert/clipforge/internal/principal"
	"github.com/dukerupert/clipforge/internal/progress"
)

const (
	defaultStyle    = "cinematic"
	defaultDuration = 10
)

// Request is a client's generation request.
type Request struct {
	Prompt          string `json:"prompt" validate:"required,max=2000"`
	Style           string `json:"style,omitempty" validate:"omitempty,oneof=cinematic anime realistic cartoon"`
	DurationSeconds int    `json:"duration_seconds,omitempty" validate:"omitempty,min=5,max=60"`
	ImageURL        string `json:"image_url,omitempty" validate:"omitempty,url"`
}

type backendRequest struct {
	Request
	JobID string `json:"job_id"`
}

// ValidationError lists invalid request fields by their JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

// LimitError is returned by Start when the caller has no allowance left.
type LimitError struct {
	Limits entitlement.UsageLimits
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("video limit reached for plan %q (%d/%d used)", e.Limits.Plan, e.Limits.VideosUsed, e.Limits.VideosPerMonth)
}

// Usage is the entitlement surface the service needs.
type Usage interface {
	CheckLimits(ctx context.Context, p principal.Principal, userID string) (entitlement.UsageLimits, error)
	IncrementUsage(ctx context.Context, p principal.Principal, userID, operationID string) (entitlement.UsageLimits, error)
}

type Service struct {
	gw       entitlement.Caller
	usage    Usage
	orch     *progress.Orchestrator
	validate *validator.Validate
	logger   *slog.Logger
}

func NewService(gw entitlement.Caller, usage Usage, orch *progress.Orchestrator, logger *slog.Logger) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{gw: gw, usage: usage, orch: orch, validate: v, logger: logger}
}

// Validate applies defaults and checks req.
func (s *Service) Validate(req *Request) error {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.Style = strings.ToLower(strings.TrimSpace(req.Style))
	if req.Style == "" {
		req.Style = defaultStyle
	}
	if req.DurationSeconds == 0 {
		req.DurationSeconds = defaultDuration
	}

	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate request: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return &ValidationError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	default:
		return "is invalid"
	}
}

// Start validates req, runs the pre-flight allowance check, and returns a
// job with one subscription already attached. The caller runs the job.
func (s *Service) Start(ctx context.Context, p principal.Principal, req Request) (*progress.Job, *progress.Subscription, error) {
	if err := s.Validate(&req); err != nil {
		return nil, nil, err
	}

	limits, err := s.usage.CheckLimits(ctx, p, p.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !limits.CanCreateVideo {
		return nil, nil, &LimitError{Limits: limits}
	}
	if limits.Degraded {
		s.logger.Warn("starting generation on degraded usage limits", "user_id", p.UserID)
	}

	jobID := uuid.NewString()
	job := s.orch.NewJob(jobID, s.call(p, req, jobID))
	sub := job.Subscribe()
	s.logger.Info("generation job created", "job_id", jobID, "user_id", p.UserID, "style", req.Style)
	return job, sub, nil
}

// call issues the real generation and, only once it succeeded, consumes one
// unit of the caller's allowance. An increment failure is logged; it never
// changes the generation's outcome and is never retried.
func (s *Service) call(p principal.Principal, req Request, jobID string) progress.Call {
	return func(ctx context.Context) (json.RawMessage, error) {
		r := gateway.JSONRequest(http.MethodPost, "/api/videos/generate", gateway.Processing, backendRequest{Request: req, JobID: jobID})
		r.IdempotencyKey = jobID

		res, err := s.gw.Call(ctx, r, p)
		if err != nil {
			return nil, err
		}

		if _, err := s.usage.IncrementUsage(ctx, p, p.UserID, jobID); err != nil {
			s.logger.Error("usage increment after generation failed",
				"job_id", jobID,
				"user_id", p.UserID,
				"may_have_applied", entitlement.IncrementUncertain(err),
				"error", err,
			)
		}
		return res.Body, nil
	}
}
