// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"gearwatch/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateUser(ctx context.Context) (*model.User, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	AdvanceWatermark(ctx context.Context, userID int64, exp time.Time) error

	SaveFilter(ctx context.Context, f *model.Filter) error
	AttachFilter(ctx context.Context, userID, filterID int64) error
	DetachFilter(ctx context.Context, userID, filterID int64) error
	ListUserFilters(ctx context.Context, userID int64) ([]model.Filter, error)
	MatchingRecipients(ctx context.Context, g model.Gear) ([]model.Recipient, error)

	AddSubscription(ctx context.Context, sub *model.Subscription) error
	ListSubscriptions(ctx context.Context, userID int64, now time.Time) ([]model.Subscription, error)
	FindSubscription(ctx context.Context, kind model.SubscriptionKind, endpoint string) (*model.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error

	GetKV(ctx context.Context, key string) ([]byte, bool, error)
	PutKV(ctx context.Context, key string, value []byte) error

	Close() error
}
