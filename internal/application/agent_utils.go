package application

import (
	"github.com/google/uuid"
	"github.com/nopu-sh/agent/internal/config"
	"github.com/nopu-sh/agent/internal/domain"
	"go.uber.org/zap"
)

// subscriptionFromConfig converts the file form of a subscription. Entries
// without an id get a random one; zero since/until/limit mean unset.
func subscriptionFromConfig(sub config.SubscriptionConfig) (string, domain.Filter) {
	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}

	f := domain.Filter{
		IDs:     append([]string(nil), sub.IDs...),
		Authors: append([]string(nil), sub.Authors...),
		Kinds:   append([]int(nil), sub.Kinds...),
	}
	if len(sub.Tags) > 0 {
		f.Tags = make(map[string][]string, len(sub.Tags))
		for name, values := range sub.Tags {
			f.Tags[name] = append([]string(nil), values...)
		}
	}
	if sub.Since > 0 {
		since := sub.Since
		f.Since = &since
	}
	if sub.Until > 0 {
		until := sub.Until
		f.Until = &until
	}
	if sub.Limit > 0 {
		limit := sub.Limit
		f.Limit = &limit
	}
	return id, f
}

// logSink is the sink used when nothing downstream consumes notifications.
func logSink(log *zap.Logger) func(string) {
	sinkLog := log.Named("sink")
	return func(frame string) {
		sinkLog.Info("Notification", zap.String("frame", frame))
	}
}
