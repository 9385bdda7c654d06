package gateway

import "time"

// Budget is the timeout class of a backend call. Every call carries exactly one.
type Budget int

const (
	Quick Budget = iota
	Normal
	Upload
	Processing
	LongInit
)

var defaultBudgets = map[Budget]time.Duration{
	Quick:      15 * time.Second,
	Normal:     20 * time.Second,
	Upload:     30 * time.Second,
	Processing: 60 * time.Second,
	LongInit:   300 * time.Second,
}

// Duration returns the default duration of the budget. Unknown budgets fall
// back to Normal so no call is ever unbounded.
func (b Budget) Duration() time.Duration {
	if d, ok := defaultBudgets[b]; ok {
		return d
	}
	return defaultBudgets[Normal]
}

func (b Budget) String() string {
	switch b {
	case Quick:
		return "quick"
	case Normal:
		return "normal"
	case Upload:
		return "upload"
	case Processing:
		return "processing"
	case LongInit:
		return "long_init"
	default:
		return "unknown"
	}
}
