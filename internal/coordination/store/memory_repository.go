package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aiswarm/swarmd/internal/coordination/domain"
)

// memoryColumns is the list of columns to select for memory queries.
const memoryColumns = `id, namespace, key, value, type, metadata, size, is_compressed,
	created_at, last_updated_at, accessed_at, access_count`

// MemoryRepository persists namespaced memory entries.
type MemoryRepository struct {
	db dbtx
}

func newMemoryRepository(db dbtx) *MemoryRepository {
	return &MemoryRepository{db: db}
}

// scanMemory scans a row into a MemoryModel.
func scanMemory(scanner interface{ Scan(...any) error }) (*MemoryModel, error) {
	var model MemoryModel
	err := scanner.Scan(
		&model.ID, &model.Namespace, &model.Key, &model.Value, &model.Type,
		&model.Metadata, &model.Size, &model.IsCompressed,
		&model.CreatedAt, &model.LastUpdatedAt, &model.AccessedAt, &model.AccessCount,
	)
	return &model, err
}

// Get retrieves an entry by (namespace, key). Returns domain.ErrMemoryNotFound
// when no row matches.
func (r *MemoryRepository) Get(ctx context.Context, namespace, key string) (*domain.MemoryEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	model, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrMemoryNotFound, namespace, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory entry: %w", err)
	}
	return model.toDomain(), nil
}

// Insert persists a new entry row.
func (r *MemoryRepository) Insert(ctx context.Context, entry *domain.MemoryEntry) error {
	model := toMemoryModel(entry)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO memory_entries (
			id, namespace, key, value, type, metadata, size, is_compressed,
			created_at, last_updated_at, accessed_at, access_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.ID, model.Namespace, model.Key, model.Value, model.Type,
		model.Metadata, model.Size, model.IsCompressed,
		model.CreatedAt, model.LastUpdatedAt, model.AccessedAt, model.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory entry: %w", err)
	}
	return nil
}

// UpdateValue overwrites the value columns of an existing entry, keyed by
// (namespace, key). Access stats and created_at are untouched.
func (r *MemoryRepository) UpdateValue(ctx context.Context, entry *domain.MemoryEntry) error {
	model := toMemoryModel(entry)
	result, err := r.db.ExecContext(ctx,
		`UPDATE memory_entries SET
			value = ?, type = ?, metadata = ?, size = ?, is_compressed = ?, last_updated_at = ?
		WHERE namespace = ? AND key = ?`,
		model.Value, model.Type, model.Metadata, model.Size, model.IsCompressed, model.LastUpdatedAt,
		model.Namespace, model.Key,
	)
	if err != nil {
		return fmt.Errorf("failed to update memory entry: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrMemoryNotFound, entry.Namespace, entry.Key)
	}
	return nil
}

// TouchAccess records a read: sets accessed_at and increments access_count.
func (r *MemoryRepository) TouchAccess(ctx context.Context, namespace, key string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE memory_entries SET accessed_at = ?, access_count = access_count + 1
		 WHERE namespace = ? AND key = ?`,
		at.Unix(), namespace, key,
	)
	if err != nil {
		return fmt.Errorf("failed to update access stats: %w", err)
	}
	return nil
}

// List retrieves all entries in a namespace ordered by creation time
// ascending.
func (r *MemoryRepository) List(ctx context.Context, namespace string) ([]*domain.MemoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_entries
		 WHERE namespace = ? ORDER BY created_at ASC, id ASC`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*domain.MemoryEntry
	for rows.Next() {
		model, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory row: %w", err)
		}
		entries = append(entries, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory rows: %w", err)
	}
	return entries, nil
}

// Delete removes an entry. Returns false when no row matched.
func (r *MemoryRepository) Delete(ctx context.Context, namespace, key string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete memory entry: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}
