package beat

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Spec is a recurrence rule: either a fixed period or a standard
// 5-field cron expression.
type Spec struct {
	every time.Duration
	cron  cron.Schedule
	raw   string
}

// ParseSpec builds a Spec from the entry's interval fields. Exactly one
// of every/cronExpr must be set.
func ParseSpec(every, cronExpr string) (*Spec, error) {
	switch {
	case every != "" && cronExpr != "":
		return nil, errors.New("schedule entry has both every and cron")
	case every != "":
		d, err := time.ParseDuration(every)
		if err != nil {
			return nil, fmt.Errorf("parse every %q: %w", every, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("every %q must be positive", every)
		}
		return &Spec{every: d, raw: every}, nil
	case cronExpr != "":
		sched, err := cron.ParseStandard(cronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", cronExpr, err)
		}
		return &Spec{cron: sched, raw: cronExpr}, nil
	default:
		return nil, errors.New("schedule entry needs every or cron")
	}
}

// Next returns the first due instant strictly after prev. Deriving from
// the prior due instant, not from the wall clock, keeps periodic
// entries free of tick-loop drift.
func (s *Spec) Next(prev time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(prev)
	}
	return prev.Add(s.every)
}

func (s *Spec) String() string { return s.raw }
