package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/prune"
)

// Exchange is one relayed question and answer.
type Exchange struct {
	BotID       string
	BotName     string
	Platform    channel.Platform
	UserID      string
	DisplayName string
	UserText    string
	ReplyText   string
	Fallback    bool
}

// Monitor receives a copy of every completed exchange.
type Monitor interface {
	Report(ctx context.Context, ex Exchange)
}

// GatewayMonitor posts exchanges to an admin chat and a notification
// channel through one gateway. Each target fails independently.
type GatewayMonitor struct {
	gateway channel.Gateway
	targets []string
	logger  *slog.Logger
}

// NewGatewayMonitor returns nil when there is no gateway or no target.
func NewGatewayMonitor(log *slog.Logger, gw channel.Gateway, targets ...string) *GatewayMonitor {
	if log == nil {
		log = slog.Default()
	}
	var ids []string
	for _, t := range targets {
		if t = strings.TrimSpace(t); t != "" {
			ids = append(ids, t)
		}
	}
	if gw == nil || len(ids) == 0 {
		return nil
	}
	return &GatewayMonitor{gateway: gw, targets: ids, logger: log.With(slog.String("service", "monitor"))}
}

func (m *GatewayMonitor) Report(ctx context.Context, ex Exchange) {
	if m == nil {
		return
	}
	msg := formatExchange(ex)
	for _, target := range m.targets {
		if resp := m.gateway.SendMessage(ctx, target, msg, nil); !resp.Success {
			m.logger.Warn("monitor delivery failed", slog.String("target", target), slog.Any("error", resp.Err()))
		}
	}
}

func formatExchange(ex Exchange) string {
	who := ex.DisplayName
	if who == "" {
		who = ex.UserID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 %s (%s)\n", ex.BotName, ex.Platform)
	fmt.Fprintf(&b, "👤 %s [%s]\n\n", who, ex.UserID)
	fmt.Fprintf(&b, "💬 %s\n\n", prune.Runes(ex.UserText, prune.MaxMonitorRunes, prune.DefaultMarker))
	if ex.Fallback {
		b.WriteString("⚠️ fallback\n")
	}
	fmt.Fprintf(&b, "↩️ %s", prune.Runes(ex.ReplyText, prune.MaxMonitorRunes, prune.DefaultMarker))
	return b.String()
}
