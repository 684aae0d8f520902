package cache

import (
	"context"
	"time"
)

type AttemptCache interface {
	StoreSent(ctx context.Context, providerID, toNumber string, sentAt time.Time) error
}
