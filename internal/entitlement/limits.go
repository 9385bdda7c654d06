package entitlement

import "strings"

const PlanFree = "free"

// UsageLimits is a user's allowance for the current period. VideosRemaining
// and CanCreateVideo are always derived locally by normalize.
type UsageLimits struct {
	Plan            string  `json:"plan"`
	VideosPerMonth  int     `json:"videos_per_month"`
	VideosUsed      int     `json:"videos_used"`
	VideosRemaining int     `json:"videos_remaining"`
	CanCreateVideo  bool    `json:"can_create_video"`
	AllowsOverage   bool    `json:"allows_overage"`
	ExtraVideoPrice float64 `json:"extra_video_price"`

	// Degraded is set only when the check timed out.
	Degraded bool `json:"degraded"`
	// Error is set whenever the limits are the fallback default.
	Error string `json:"error,omitempty"`
}

// DefaultLimits is the conservative allowance substituted when the backend
// cannot answer: one free video, so the product flow is not blocked. The
// backend enforces the real limit again on the operation itself.
func DefaultLimits() UsageLimits {
	return UsageLimits{
		Plan:           PlanFree,
		VideosPerMonth: 1,
		VideosUsed:     0,
	}.normalize()
}

func (u UsageLimits) normalize() UsageLimits {
	u.Plan = strings.ToLower(strings.TrimSpace(u.Plan))
	if u.Plan == "" {
		u.Plan = PlanFree
	}
	if u.VideosPerMonth < 0 {
		u.VideosPerMonth = 0
	}
	if u.VideosUsed < 0 {
		u.VideosUsed = 0
	}
	if u.ExtraVideoPrice < 0 {
		u.ExtraVideoPrice = 0
	}
	u.VideosRemaining = max(0, u.VideosPerMonth-u.VideosUsed)
	u.CanCreateVideo = u.VideosRemaining > 0 || u.AllowsOverage
	return u
}
