// Package icron derives human-facing timing information from cron
// expressions, for logs and status endpoints.
package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleInfo describes the upcoming fire time of a cron expression
// relative to a reference instant.
type ScheduleInfo struct {
	Expression    string        `json:"expression"`
	Next          time.Time     `json:"next"`
	TimeUntilNext time.Duration `json:"time_until_next"`
}

// Describe parses a standard 5-field cron expression (descriptors like
// "@every 1m" included) and reports when it next fires after refTime.
func Describe(expr string, refTime time.Time) (*ScheduleInfo, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	next := schedule.Next(refTime)
	return &ScheduleInfo{
		Expression:    expr,
		Next:          next,
		TimeUntilNext: next.Sub(refTime),
	}, nil
}
