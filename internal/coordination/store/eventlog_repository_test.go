package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiswarm/swarmd/internal/coordination/domain"
)

func insertEventLog(t *testing.T, db *DB, record *domain.EventLogRecord) {
	t.Helper()
	require.NoError(t, db.Write(context.Background(), func(ws *WriteScope) error {
		return ws.EventLog.Insert(context.Background(), record)
	}))
}

func testEventLogRecord(id, eventType, entityID string, at time.Time) *domain.EventLogRecord {
	return &domain.EventLogRecord{
		ID:         id,
		EventType:  eventType,
		Timestamp:  at,
		Actor:      "system",
		EntityID:   entityID,
		EntityType: "agent",
		Severity:   "info",
		Payload:    `{}`,
	}
}

func TestEventLogRepository_InsertAndListRecent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	for i := 0; i < 5; i++ {
		insertEventLog(t, db, testEventLogRecord(
			fmt.Sprintf("evt-%d", i), "agent.registered", "agent-1", now.Add(time.Duration(i)*time.Second)))
	}

	records, err := db.Read().EventLog.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	// The newest three, oldest first.
	require.Equal(t, "evt-2", records[0].ID)
	require.Equal(t, "evt-3", records[1].ID)
	require.Equal(t, "evt-4", records[2].ID)

	all, err := db.Read().EventLog.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, "evt-0", all[0].ID)
}

func TestEventLogRepository_ListRecent_OrdersWithinSameSecond(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	// Unix timestamps collapse to the same second; id breaks the tie.
	insertEventLog(t, db, testEventLogRecord("evt-a", "task.created", "task-1", now))
	insertEventLog(t, db, testEventLogRecord("evt-b", "task.claimed", "task-1", now))

	records, err := db.Read().EventLog.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "evt-a", records[0].ID)
	require.Equal(t, "evt-b", records[1].ID)
}

func TestEventLogRepository_ListByEntity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	insertEventLog(t, db, testEventLogRecord("evt-1", "agent.registered", "agent-1", now))
	insertEventLog(t, db, testEventLogRecord("evt-2", "agent.running", "agent-1", now.Add(time.Second)))
	insertEventLog(t, db, testEventLogRecord("evt-3", "agent.registered", "agent-2", now))

	records, err := db.Read().EventLog.ListByEntity(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "evt-1", records[0].ID)
	require.Equal(t, "evt-2", records[1].ID)

	empty, err := db.Read().EventLog.ListByEntity(ctx, "agent-none")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestEventLogRepository_RoundTripsAllFields(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	record := &domain.EventLogRecord{
		ID:            "evt-full",
		EventType:     "task.completed",
		Timestamp:     now,
		Actor:         "agent-1",
		CorrelationID: "corr-9",
		EntityID:      "task-7",
		EntityType:    "task",
		Severity:      "warn",
		Tags:          "dispatch,terminal",
		Payload:       `{"status":"completed"}`,
	}
	insertEventLog(t, db, record)

	records, err := db.Read().EventLog.ListByEntity(ctx, "task-7")
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	require.Equal(t, record.EventType, got.EventType)
	require.Equal(t, record.Actor, got.Actor)
	require.Equal(t, record.CorrelationID, got.CorrelationID)
	require.Equal(t, record.EntityType, got.EntityType)
	require.Equal(t, record.Severity, got.Severity)
	require.Equal(t, record.Tags, got.Tags)
	require.Equal(t, record.Payload, got.Payload)
	require.Equal(t, now.Unix(), got.Timestamp.Unix())
}
