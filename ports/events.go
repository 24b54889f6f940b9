package ports

import (
	"context"

	"github.com/layer-3/edupass/core"
)

// EventPublisher announces recorded settlement outcomes to other instances
type EventPublisher interface {
	PublishSettlement(ctx context.Context, outcome core.Outcome) error
}
