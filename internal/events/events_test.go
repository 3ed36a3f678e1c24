package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

type revalidation struct {
	WorkbookID string
	TableID    string
}

type recordingRevalidator struct {
	mu    sync.Mutex
	calls []revalidation
}

func (r *recordingRevalidator) Revalidate(_ context.Context, workbookID, tableID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, revalidation{WorkbookID: workbookID, TableID: tableID})
	return 1, nil
}

func (r *recordingRevalidator) revalidated() []revalidation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]revalidation(nil), r.calls...)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "scratch.records.wb.tbl.changed", Subject("wb", "tbl"))
	assert.Equal(t, "scratch.records.wb_1.t_b_l.changed", Subject("wb.1", "t*b>l"))
	assert.Equal(t, "scratch.records.wb.*.changed", WorkbookSubject("wb"))
	assert.Equal(t, "_", Token(""))
}

func TestPublisher(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	sub, err := nc.SubscribeSync(WorkbookSubject("wb"))
	require.NoError(t, err)

	p := NewPublisher(nc, "scratchd")
	require.NoError(t, p.Publish(RecordsChanged{WorkbookID: "wb", TableID: "tbl", RecordIDs: []string{"r1"}}))
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "scratch.records.wb.tbl.changed", msg.Subject)

	var ev RecordsChanged
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "scratchd", ev.Source)
	assert.Equal(t, []string{"r1"}, ev.RecordIDs)
	assert.False(t, ev.Time.IsZero())
}

func TestSubscriber_RevalidatesChangedTable(t *testing.T) {
	server := startTestNATSServer(t)
	subConn := connect(t, server)
	pubConn := connect(t, server)

	rv := &recordingRevalidator{}
	s := NewSubscriber(subConn, rv, nil)
	require.NoError(t, s.Subscribe(context.Background(), "wb"))
	require.NoError(t, subConn.Flush())
	t.Cleanup(func() { _ = s.Close() })

	// Malformed payloads are dropped.
	require.NoError(t, pubConn.Publish(Subject("wb", "a"), []byte("not json")))
	require.NoError(t, NewPublisher(pubConn, "test").Publish(RecordsChanged{WorkbookID: "wb", TableID: "b"}))
	require.NoError(t, pubConn.Flush())

	require.Eventually(t, func() bool { return len(rv.revalidated()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, revalidation{WorkbookID: "wb", TableID: "b"}, rv.revalidated()[0])
}

func TestSubscriber_Close(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	rv := &recordingRevalidator{}
	s := NewSubscriber(nc, rv, nil)
	require.NoError(t, s.Subscribe(context.Background(), "wb"))
	require.NoError(t, s.Close())

	require.NoError(t, NewPublisher(nc, "test").Publish(RecordsChanged{WorkbookID: "wb", TableID: "a"}))
	require.NoError(t, nc.Flush())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rv.revalidated())
}
