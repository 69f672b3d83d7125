package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
)

// LogNotifier records deliveries in the log without their payloads. It is the
// development stand-in for a real delivery channel.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(l zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: l}
}

func (n *LogNotifier) Notify(ctx context.Context, channelRef string, b domain.Bundle) error {
	ev := logging.Ctx(ctx, n.logger).Info().
		Str("order_id", b.OrderID).
		Str("channel_ref", channelRef).
		Int("count", b.Count())
	files := zerolog.Arr()
	for _, s := range b.Sections {
		files.Str(b.FileName(s))
	}
	ev.Array("files", files).Msg("order delivered")
	return nil
}
