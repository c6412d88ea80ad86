package healthcheck

import (
	"context"
	"errors"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker pings the database.
type DatabaseChecker struct {
	pinger  Pinger
	timeout time.Duration
}

func NewDatabaseChecker(pinger Pinger) *DatabaseChecker {
	return &DatabaseChecker{pinger: pinger, timeout: 3 * time.Second}
}

func (c *DatabaseChecker) ListChecks(ctx context.Context) []CheckResult {
	item := CheckResult{ID: "database.postgres", Type: "database"}
	if c == nil || c.pinger == nil {
		item.Status = StatusUnknown
		item.Summary = "Database is not configured."
		return []CheckResult{item}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.pinger.Ping(ctx); err != nil {
		item.Status = StatusError
		item.Summary = "Database is unreachable."
		item.Detail = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			item.Summary = "Database ping timed out."
		}
		return []CheckResult{item}
	}
	item.Status = StatusOK
	item.Summary = "Database is reachable."
	return []CheckResult{item}
}

// Report is the aggregated result served on /health.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Aggregator runs every checker and folds their results into one status:
// any error wins, then any warning, otherwise ok.
type Aggregator struct {
	checkers []Checker
}

func NewAggregator(checkers ...Checker) *Aggregator {
	out := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			out = append(out, c)
		}
	}
	return &Aggregator{checkers: out}
}

func (a *Aggregator) Run(ctx context.Context) Report {
	rep := Report{Status: StatusOK, Checks: []CheckResult{}}
	if a == nil {
		return rep
	}
	for _, c := range a.checkers {
		for _, item := range c.ListChecks(ctx) {
			rep.Checks = append(rep.Checks, item)
			switch item.Status {
			case StatusError:
				rep.Status = StatusError
			case StatusWarn:
				if rep.Status == StatusOK {
					rep.Status = StatusWarn
				}
			}
		}
	}
	return rep
}
