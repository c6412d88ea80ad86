package gatewaychecker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/healthcheck"
)

const checkTypeGateway = "gateway.self"

// Checker calls GetSelfInfo on the platform-level gateways the service
// owns (monitor and marketing bots).
type Checker struct {
	logger   *slog.Logger
	gateways map[string]channel.Gateway
}

// NewChecker creates a gateway health checker. Nil gateways are ignored.
func NewChecker(log *slog.Logger, gateways map[string]channel.Gateway) *Checker {
	if log == nil {
		log = slog.Default()
	}
	kept := map[string]channel.Gateway{}
	for name, gw := range gateways {
		if gw != nil {
			kept[name] = gw
		}
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_gateway")),
		gateways: kept,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	names := make([]string, 0, len(c.gateways))
	for name := range c.gateways {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]healthcheck.CheckResult, 0, len(names))
	for _, name := range names {
		gw := c.gateways[name]
		item := healthcheck.CheckResult{
			ID:       checkTypeGateway + "." + name,
			Type:     checkTypeGateway,
			Metadata: map[string]any{"platform": gw.Platform().String()},
		}
		resp := gw.GetSelfInfo(ctx)
		if resp.Success {
			item.Status = healthcheck.StatusOK
			item.Summary = fmt.Sprintf("Gateway %s is reachable.", name)
			if username := resp.String("username"); username != "" {
				item.Metadata["username"] = username
			}
		} else {
			// The relay keeps working without these bots; only flag a warning.
			item.Status = healthcheck.StatusWarn
			item.Summary = fmt.Sprintf("Gateway %s check failed.", name)
			item.Detail = resp.Err().Error()
			c.logger.Warn("gateway check failed", slog.String("gateway", name), slog.Any("error", resp.Err()))
		}
		checks = append(checks, item)
	}
	return checks
}
