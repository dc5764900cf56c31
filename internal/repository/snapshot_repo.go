package repository

import (
	"context"
	"errors"
	"fmt"

	"notes-collab/internal/models"
	"notes-collab/internal/persistence"

	"gorm.io/gorm"
)

/*
LEARNING: SNAPSHOT PERSISTENCE

Storing full snapshots instead of every update means:
1. Loading a document is one row read, however long it has been edited
2. Server restart loses at most one debounce window of edits
3. History stays bounded: only the last keepCount versions survive

Query patterns:
- Load:    latest version (initial sync)
- Save:    insert next version, prune old ones (same transaction)
- History: version metadata for the API
*/

// DefaultKeepSnapshots is how many versions are kept per document
const DefaultKeepSnapshots = 10

// SnapshotRepository stores versioned document snapshots with GORM.
// It implements persistence.Store.
type SnapshotRepository struct {
	db        *gorm.DB
	keepCount int
}

// NewSnapshotRepository creates a repository keeping keepCount versions per document
func NewSnapshotRepository(db *gorm.DB, keepCount int) *SnapshotRepository {
	if keepCount <= 0 {
		keepCount = DefaultKeepSnapshots
	}
	return &SnapshotRepository{db: db, keepCount: keepCount}
}

// Load returns the state of the latest version
func (r *SnapshotRepository) Load(ctx context.Context, documentID string) ([]byte, error) {
	snapshot, err := r.Latest(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return snapshot.State, nil
}

// Latest gets the most recent snapshot of a document
func (r *SnapshotRepository) Latest(ctx context.Context, documentID string) (*models.DocumentSnapshot, error) {
	var snapshot models.DocumentSnapshot

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version DESC").
		First(&snapshot).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	return &snapshot, nil
}

// Save inserts the next version and prunes old ones
func (r *SnapshotRepository) Save(ctx context.Context, documentID string, state []byte) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int64
		if err := tx.Model(&models.DocumentSnapshot{}).
			Where("document_id = ?", documentID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return fmt.Errorf("failed to read latest version: %w", err)
		}

		snapshot := &models.DocumentSnapshot{
			DocumentID: documentID,
			Version:    latest + 1,
			State:      state,
			Size:       len(state),
		}
		if err := tx.Create(snapshot).Error; err != nil {
			return fmt.Errorf("failed to store snapshot: %w", err)
		}

		return prune(tx, documentID, snapshot.Version, r.keepCount)
	})
}

// History lists snapshot metadata, newest first. State is not loaded.
func (r *SnapshotRepository) History(ctx context.Context, documentID string) ([]*models.DocumentSnapshot, error) {
	var snapshots []*models.DocumentSnapshot

	err := r.db.WithContext(ctx).
		Select("id", "document_id", "version", "size", "created_at").
		Where("document_id = ?", documentID).
		Order("version DESC").
		Find(&snapshots).Error

	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot history: %w", err)
	}

	return snapshots, nil
}

// DeleteOldSnapshots keeps only the latest keepCount versions of a document
func (r *SnapshotRepository) DeleteOldSnapshots(ctx context.Context, documentID string, keepCount int) error {
	latest, err := r.Latest(ctx, documentID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return prune(r.db.WithContext(ctx), documentID, latest.Version, keepCount)
}

func prune(tx *gorm.DB, documentID string, latest int64, keepCount int) error {
	cutoff := latest - int64(keepCount)
	if cutoff <= 0 {
		return nil // Nothing to delete
	}

	result := tx.
		Where("document_id = ? AND version <= ?", documentID, cutoff).
		Delete(&models.DocumentSnapshot{})

	if result.Error != nil {
		return fmt.Errorf("failed to delete old snapshots: %w", result.Error)
	}

	return nil
}
