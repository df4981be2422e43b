package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-relay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
SNAPSHOT PERSISTENCE (postgres)

One row per document, keyed by name. Every write replaces the previous
snapshot, so the table never grows past the number of documents.

  LoadState:  SELECT snapshot FROM document_snapshots WHERE name = ?
  WriteState: INSERT ... ON CONFLICT (name) DO UPDATE SET snapshot, size, updated_at
*/

// SnapshotRepositoryImpl stores document snapshots with GORM
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// LoadState returns the stored snapshot for name, or nil if none exists
func (r *SnapshotRepositoryImpl) LoadState(ctx context.Context, name string) ([]byte, error) {
	var snap models.DocumentSnapshot

	err := r.db.WithContext(ctx).
		Where("name = ?", name).
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", name, err)
	}

	return snap.Snapshot, nil
}

// WriteState upserts the snapshot for name
func (r *SnapshotRepositoryImpl) WriteState(ctx context.Context, name string, snapshot []byte) error {
	snap := &models.DocumentSnapshot{
		Name:     name,
		Snapshot: snapshot,
		Size:     len(snapshot),
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot", "size", "updated_at"}),
		}).
		Create(snap).Error
	if err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", name, err)
	}

	return nil
}

// Names lists every stored document name
func (r *SnapshotRepositoryImpl) Names(ctx context.Context) ([]string, error) {
	var names []string

	err := r.db.WithContext(ctx).
		Model(&models.DocumentSnapshot{}).
		Order("name").
		Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	return names, nil
}
