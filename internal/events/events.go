// Package events carries record change events over NATS.
//
// The record store publishes a RecordsChanged event on
//
//	scratch.records.{workbook_id}.{table_id}.changed
//
// after each applied bulk call. Clients subscribe per workbook and revalidate
// their cached pages of the changed table.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// RecordsChanged describes records of one table that changed on the server.
type RecordsChanged struct {
	WorkbookID string    `json:"workbookId"`
	TableID    string    `json:"tableId"`
	RecordIDs  []string  `json:"recordIds,omitempty"`
	Source     string    `json:"source,omitempty"`
	Time       time.Time `json:"time"`
}

// Token makes s safe to use as a single NATS subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Subject returns the change subject of one table.
func Subject(workbookID, tableID string) string {
	return fmt.Sprintf("scratch.records.%s.%s.changed", Token(workbookID), Token(tableID))
}

// WorkbookSubject matches the change subjects of every table of a workbook.
func WorkbookSubject(workbookID string) string {
	return fmt.Sprintf("scratch.records.%s.*.changed", Token(workbookID))
}

// Conn publishes raw messages. *nats.Conn satisfies it.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher publishes record change events.
type Publisher struct {
	conn   Conn
	source string
}

// NewPublisher creates a publisher. source is stamped on every event.
func NewPublisher(conn Conn, source string) *Publisher {
	return &Publisher{conn: conn, source: source}
}

// Publish sends ev on its table subject.
func (p *Publisher) Publish(ev RecordsChanged) error {
	if ev.Source == "" {
		ev.Source = p.source
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal records changed event: %w", err)
	}
	if err := p.conn.Publish(Subject(ev.WorkbookID, ev.TableID), data); err != nil {
		return fmt.Errorf("publish records changed event: %w", err)
	}
	return nil
}

// Revalidator refetches the cached pages of one table. *pending.Buffer
// satisfies it and keeps its queued edits projected over the refetched pages.
type Revalidator interface {
	Revalidate(ctx context.Context, workbookID, tableID string) (int, error)
}

// Subscriber revalidates cached pages when their table changes on the server.
type Subscriber struct {
	nc     *nats.Conn
	rv     Revalidator
	logger *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewSubscriber creates a subscriber.
func NewSubscriber(nc *nats.Conn, rv Revalidator, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{nc: nc, rv: rv, logger: logger}
}

// Subscribe starts listening for changes of a workbook. Revalidations use ctx.
func (s *Subscriber) Subscribe(ctx context.Context, workbookID string) error {
	sub, err := s.nc.Subscribe(WorkbookSubject(workbookID), func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", workbookID, err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	var ev RecordsChanged
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("dropping malformed records changed event",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}

	n, err := s.rv.Revalidate(ctx, ev.WorkbookID, ev.TableID)
	if err != nil {
		s.logger.Warn("revalidation after change event failed",
			zap.String("workbook.id", ev.WorkbookID),
			zap.String("table_id", ev.TableID),
			zap.Error(err))
		return
	}
	s.logger.Debug("revalidated after change event",
		zap.String("workbook.id", ev.WorkbookID),
		zap.String("table_id", ev.TableID),
		zap.Int("keys", n))
}

// Close removes every subscription.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.subs = nil
	return firstErr
}
