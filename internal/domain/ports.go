package domain

import (
	"context"
)

// Fetcher performs bulk reads from the remote store.
type Fetcher interface {
	// FetchAll returns every record in the scope, ordered the way the store
	// orders them for that scope.
	FetchAll(ctx context.Context, scope Scope) ([]Record, error)
}

// Writer issues mutations against the remote store.
type Writer interface {
	// Upsert creates the record, or replaces it if the id already exists, and
	// returns the row as stored. An empty id lets the store assign one.
	Upsert(ctx context.Context, scope Scope, rec Record) (Record, error)

	// Delete removes the record with the given id. Deleting a missing id is
	// not an error.
	Delete(ctx context.Context, scope Scope, id string) error
}

// ChangeStream opens filtered subscriptions to the remote change feed.
type ChangeStream interface {
	Subscribe(ctx context.Context, scope Scope) (Subscription, error)
}

// Subscription is a cancellable handle on a change feed. Both channels are
// closed after Close returns or the subscription context is done.
type Subscription interface {
	// Events yields changes in delivery order.
	Events() <-chan Change

	// States yields connection state transitions.
	States() <-chan ConnectionState

	// Close releases the subscription. It is safe to call more than once.
	Close() error
}

// ProfileRepository reads and writes user profiles.
type ProfileRepository interface {
	// GetProfile returns ErrNotFound when the user has no profile row yet.
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	UpsertProfile(ctx context.Context, profile *Profile) error
}

// SnapshotRepository persists the last rendered collection for a scope.
type SnapshotRepository interface {
	SaveSnapshot(ctx context.Context, scope Scope, records []Record) error
	LoadSnapshot(ctx context.Context, scope Scope) ([]Record, error)
}

// SessionRepository persists the signed-in session between runs.
type SessionRepository interface {
	SaveSession(ctx context.Context, session *Session) error

	// LoadSession returns ErrNotAuthenticated when no session is stored.
	LoadSession(ctx context.Context) (*Session, error)
	DeleteSession(ctx context.Context) error
}
