package messagebus

import (
	"context"

	"github.com/rand/asc/pkg/models"
)

// StatusPublisher abstracts heartbeat publishing for testability.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, hb *models.Heartbeat) error
}

// StatusSubscriber abstracts heartbeat subscription for testability.
type StatusSubscriber interface {
	SubscribeStatus(handler func(*models.Heartbeat)) error
}

var (
	_ StatusPublisher  = (*NatsMessageBus)(nil)
	_ StatusSubscriber = (*NatsMessageBus)(nil)
)
