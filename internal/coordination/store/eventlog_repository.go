package store

import (
	"context"
	"fmt"

	"github.com/aiswarm/swarmd/internal/coordination/domain"
)

// eventLogColumns is the list of columns to select for event log queries.
const eventLogColumns = `id, event_type, timestamp, actor, correlation_id,
	entity_id, entity_type, severity, tags, payload`

// EventLogRepository persists audit records. Append-only.
type EventLogRepository struct {
	db dbtx
}

func newEventLogRepository(db dbtx) *EventLogRepository {
	return &EventLogRepository{db: db}
}

// scanEventLog scans a row into an EventLogModel.
func scanEventLog(scanner interface{ Scan(...any) error }) (*EventLogModel, error) {
	var model EventLogModel
	err := scanner.Scan(
		&model.ID, &model.EventType, &model.Timestamp, &model.Actor,
		&model.CorrelationID, &model.EntityID, &model.EntityType,
		&model.Severity, &model.Tags, &model.Payload,
	)
	return &model, err
}

// Insert appends an audit record.
func (r *EventLogRepository) Insert(ctx context.Context, record *domain.EventLogRecord) error {
	model := toEventLogModel(record)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (
			id, event_type, timestamp, actor, correlation_id,
			entity_id, entity_type, severity, tags, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.ID, model.EventType, model.Timestamp, model.Actor, model.CorrelationID,
		model.EntityID, model.EntityType, model.Severity, model.Tags, model.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event log record: %w", err)
	}
	return nil
}

// ListRecent retrieves the most recent records, oldest first within the
// window. A limit of 0 returns everything.
func (r *EventLogRepository) ListRecent(ctx context.Context, limit int) ([]*domain.EventLogRecord, error) {
	query := `SELECT ` + eventLogColumns + ` FROM event_log ORDER BY timestamp DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list event log records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*domain.EventLogRecord
	for rows.Next() {
		model, err := scanEventLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event log row: %w", err)
		}
		records = append(records, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event log rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// ListByEntity retrieves all records for an entity in chronological order.
func (r *EventLogRepository) ListByEntity(ctx context.Context, entityID string) ([]*domain.EventLogRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventLogColumns+` FROM event_log
		 WHERE entity_id = ? ORDER BY timestamp ASC, id ASC`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list event log records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*domain.EventLogRecord
	for rows.Next() {
		model, err := scanEventLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event log row: %w", err)
		}
		records = append(records, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event log rows: %w", err)
	}
	return records, nil
}
