// Package audit implements the event logger: a subscriber on every
// coordination bus that appends each envelope to the event_log table. Audit
// is best-effort; a failed write is logged and the envelope is dropped, and
// publishers are never blocked.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiswarm/swarmd/internal/coordination/clock"
	"github.com/aiswarm/swarmd/internal/coordination/domain"
	"github.com/aiswarm/swarmd/internal/coordination/event"
	"github.com/aiswarm/swarmd/internal/coordination/store"
	"github.com/aiswarm/swarmd/internal/log"
)

// DefaultDrainTimeout bounds how long Stop waits for queued envelopes.
const DefaultDrainTimeout = 2 * time.Second

// drainIdle is how long a draining worker waits for the next envelope before
// deciding its queue is empty.
const drainIdle = 50 * time.Millisecond

// EventLogger subscribes to all buses and persists every envelope.
// Start before any publisher so no event is missed.
type EventLogger struct {
	db           *store.DB
	buses        *event.Buses
	clock        clock.Clock
	drainTimeout time.Duration

	cancel   context.CancelFunc
	stopping chan struct{}
	wg       sync.WaitGroup
}

// NewEventLogger creates an EventLogger. A zero drainTimeout falls back to
// the default.
func NewEventLogger(db *store.DB, buses *event.Buses, clk clock.Clock, drainTimeout time.Duration) *EventLogger {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &EventLogger{db: db, buses: buses, clock: clk, drainTimeout: drainTimeout}
}

// Start opens the bus subscriptions and begins persisting envelopes.
func (l *EventLogger) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.stopping = make(chan struct{})

	taskCh := l.buses.Task.Subscribe(ctx)
	agentCh := l.buses.Agent.Subscribe(ctx)
	memoryCh := l.buses.Memory.Subscribe(ctx)

	l.wg.Add(3)
	log.SafeGo("audit.tasks", func() {
		defer l.wg.Done()
		drain(taskCh, l.stopping, l.drainTimeout, l.writeTask)
	})
	log.SafeGo("audit.agents", func() {
		defer l.wg.Done()
		drain(agentCh, l.stopping, l.drainTimeout, l.writeAgent)
	})
	log.SafeGo("audit.memory", func() {
		defer l.wg.Done()
		drain(memoryCh, l.stopping, l.drainTimeout, l.writeMemory)
	})

	log.Info(log.CatAudit, "event logger started")
}

// Stop drains queued envelopes within the drain timeout, then cancels the
// subscriptions. Callers stop publishers first.
func (l *EventLogger) Stop() {
	if l.cancel == nil {
		return
	}
	close(l.stopping)
	l.wg.Wait()
	l.cancel()
	l.cancel = nil
	log.Info(log.CatAudit, "event logger stopped")
}

// drain consumes envelopes until the channel closes or, once stopping is
// signalled, until the queue idles out or the deadline passes.
func drain[T any](ch <-chan T, stopping <-chan struct{}, drainTimeout time.Duration, write func(T)) {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			write(e)
		case <-stopping:
			deadline := time.NewTimer(drainTimeout)
			defer deadline.Stop()
			for {
				idle := time.NewTimer(drainIdle)
				select {
				case e, ok := <-ch:
					idle.Stop()
					if !ok {
						return
					}
					write(e)
				case <-idle.C:
					return
				case <-deadline.C:
					idle.Stop()
					return
				}
			}
		}
	}
}

func (l *EventLogger) writeTask(e event.TaskEvent) {
	severity := "info"
	if e.Type == event.TaskFailed {
		severity = "warning"
	}
	l.append(&domain.EventLogRecord{
		EventType:  string(e.Type),
		Timestamp:  e.Timestamp,
		Actor:      e.Payload.AgentID,
		EntityID:   e.Payload.TaskID,
		EntityType: "task",
		Severity:   severity,
		Payload:    marshalPayload(e),
	})
}

func (l *EventLogger) writeAgent(e event.AgentEvent) {
	severity := "info"
	if e.Type == event.AgentKilled {
		severity = "warning"
	}
	l.append(&domain.EventLogRecord{
		EventType:  string(e.Type),
		Timestamp:  e.Timestamp,
		Actor:      e.Payload.AgentID,
		EntityID:   e.Payload.AgentID,
		EntityType: "agent",
		Severity:   severity,
		Payload:    marshalPayload(e),
	})
}

func (l *EventLogger) writeMemory(e event.MemoryEvent) {
	l.append(&domain.EventLogRecord{
		EventType:  string(e.Type),
		Timestamp:  e.Timestamp,
		EntityID:   e.Payload.Namespace + "/" + e.Payload.Key,
		EntityType: "memory",
		Severity:   "info",
		Payload:    marshalPayload(e),
	})
}

// append writes one audit row. Failures are logged out-of-band and the
// record is dropped.
func (l *EventLogger) append(record *domain.EventLogRecord) {
	record.ID = "evt-" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.db.Write(ctx, func(ws *store.WriteScope) error {
		return ws.EventLog.Insert(ctx, record)
	})
	if err != nil {
		log.ErrorErr(log.CatAudit, "audit write failed", err, "eventType", record.EventType)
	}
}

func marshalPayload(e any) string {
	b, err := json.Marshal(e)
	if err != nil {
		return "{}"
	}
	return string(b)
}
