package domain

import "context"

// Journal stores the recording event history.
// Implementations: MongoDB collection, or in-memory ring when no database is configured.
type Journal interface {
	// Record appends an event.
	Record(ctx context.Context, ev Event) error

	// List returns the most recent events for a stream, newest first.
	// An empty streamID lists every stream.
	List(ctx context.Context, streamID string, limit int) ([]Event, error)
}
