package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
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

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), Notification{
		Level:      LevelError,
		Title:      "Save failed",
		Message:    "Record r1 not found",
		WorkbookID: "wb",
		TableID:    "tbl",
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "Record r1 not found", entries[0].Message)
	assert.Equal(t, "Save failed", entries[0].ContextMap()["title"])
}

func TestNATSNotifier(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("scratch.notifications.>")
	require.NoError(t, err)

	n := NewNATSNotifier(nc)
	require.NoError(t, n.Notify(context.Background(), Notification{
		Level:      LevelError,
		Title:      "Save failed",
		Message:    "boom",
		WorkbookID: "wb.1",
	}))
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "scratch.notifications.wb_1", msg.Subject)

	var got Notification
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, LevelError, got.Level)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "scratch.notifications.global", Subject(""))
	assert.Equal(t, "scratch.notifications.wb", Subject("wb"))
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Notification) error { return f.err }

func TestMulti(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("boom")
	m := Multi{failingNotifier{err: boom}, nil, rec}

	err := m.Notify(context.Background(), Notification{Message: "hello"})
	assert.ErrorIs(t, err, boom)

	notes := rec.Notifications()
	require.Len(t, notes, 1, "later notifiers still run")
	assert.Equal(t, "hello", notes[0].Message)
}
