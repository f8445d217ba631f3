package persistence

import "grid-engine-go/internal/models"

// StateRepository defines the interface for snapshot persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SaveSnapshot atomically replaces the stored snapshot for the snapshot's symbol.
	SaveSnapshot(snapshot *models.EngineSnapshot) error

	// LoadSnapshot loads the latest snapshot for a symbol.
	// If no snapshot is found, it returns (nil, nil).
	LoadSnapshot(symbol string) (*models.EngineSnapshot, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
