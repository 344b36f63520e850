package syncagent

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"github.com/MarcoPoloResearchLab/storyline/internal/localstore"
	"github.com/MarcoPoloResearchLab/storyline/internal/storyapi"
)

// PendingStore is the slice of the local store the agent drains.
type PendingStore interface {
	Pending(ctx context.Context, query localstore.Query) ([]localstore.PendingSubmission, error)
	MarkPending(ctx context.Context, id int64, status localstore.PendingStatus, cause error) error
	Delete(ctx context.Context, collection localstore.Collection, key string) error
	ResetInFlight(ctx context.Context) (int64, error)
}

// Deliverer publishes one queued story to the remote service.
type Deliverer interface {
	CreateStory(ctx context.Context, story storyapi.NewStory) error
}
