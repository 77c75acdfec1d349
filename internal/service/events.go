package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/digitalmarket/internal/domain"
)

// publish stamps evt and fans it out on the signal bus.
func (s *MarketplaceService) publish(ctx context.Context, channel string, evt domain.Event) {
	if s.backends.Bus == nil {
		return
	}
	evt.Timestamp = s.now()
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.ErrorContext(ctx, "marketplace_service: marshal event failed",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.backends.Bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "marketplace_service: publish failed",
			slog.String("channel", channel),
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketplaceService) audit(ctx context.Context, event string, detail map[string]any) {
	if s.backends.Audit == nil {
		return
	}
	if err := s.backends.Audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "marketplace_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketplaceService) notify(ctx context.Context, event, title, message string) {
	if s.backends.Notifier == nil {
		return
	}
	if err := s.backends.Notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "marketplace_service: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
