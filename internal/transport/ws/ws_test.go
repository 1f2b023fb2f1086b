package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/dispatcher"
	"github.com/naslab/middled/internal/jobs"
	"github.com/naslab/middled/internal/registry"
	"github.com/naslab/middled/internal/schema"
	"github.com/naslab/middled/internal/storage/memory"
	"github.com/naslab/middled/pkg/logger"
)

const itemsStream = "test.items"

func newTestServer(t *testing.T) (*httptest.Server, *dispatcher.Dispatcher) {
	t.Helper()
	store := memory.New()
	jm, err := jobs.NewManager(context.Background(), store, logger.NewNop(), jobs.Options{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(jm.Stop)

	set := registry.NewBuilderSet().Add("test", nil, func(r *registry.Registry) (registry.Plugin, error) {
		return registry.Plugin{
			Name: "test",
			Services: []registry.Service{&registry.PlainService{
				Name: "test",
				Declare: []*registry.Method{
					{
						Name:   "test.echo",
						NoAuth: true,
						Args:   schema.Object(schema.F("value", schema.String()).Req()),
						Func: func(ctx context.Context, call *registry.Call) (any, error) {
							return call.ArgsMap()["value"], nil
						},
					},
				},
			}},
			Events: []registry.EventType{{Name: itemsStream, NoAuth: true}},
		}, nil
	})
	reg, err := registry.Build(logger.NewNop(), set)
	require.NoError(t, err)

	authr := auth.New(store, store, store, logger.NewNop())
	d := dispatcher.New(reg, jm, authr, store, nil, logger.NewNop(), dispatcher.Options{})
	t.Cleanup(d.Stop)

	srv := httptest.NewServer(NewServer(d, logger.NewNop()))
	t.Cleanup(srv.Close)
	return srv, d
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestMethodRoundtrip(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	writeFrame(t, conn, map[string]any{
		"msg": "method", "id": "1", "method": "test.echo",
		"params": map[string]any{"value": "hello"},
	})
	frame := readFrame(t, conn)
	require.Equal(t, "result", frame["msg"])
	require.Equal(t, "1", frame["id"])
	require.Equal(t, "hello", frame["result"])
}

func TestValidationErrorFrame(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	writeFrame(t, conn, map[string]any{
		"msg": "method", "id": "7", "method": "test.echo",
		"params": map[string]any{"value": 42},
	})
	frame := readFrame(t, conn)
	require.Equal(t, "error", frame["msg"])
	require.Equal(t, "7", frame["id"])
	envelope := frame["error"].(map[string]any)
	require.Equal(t, "VALIDATION", envelope["code"])
	require.EqualValues(t, 22, envelope["errno"])
	require.NotEmpty(t, envelope["reason"])
}

func TestUnknownFrameType(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	writeFrame(t, conn, map[string]any{"msg": "bogus", "id": "9"})
	frame := readFrame(t, conn)
	require.Equal(t, "error", frame["msg"])
	require.Equal(t, "9", frame["id"])
}

func TestPingFrame(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	writeFrame(t, conn, map[string]any{"msg": "ping", "id": "p1"})
	frame := readFrame(t, conn)
	require.Equal(t, "pong", frame["msg"])
	require.Equal(t, "p1", frame["id"])
}

func TestSubscribeAndNotify(t *testing.T) {
	srv, d := newTestServer(t)
	conn := dial(t, srv)

	writeFrame(t, conn, map[string]any{"msg": "sub", "id": "s1", "name": itemsStream})
	frame := readFrame(t, conn)
	require.Equal(t, "result", frame["msg"])
	require.Equal(t, true, frame["result"])

	d.Bus().Emit(dispatcher.Event{
		Collection: itemsStream,
		Type:       dispatcher.EventAdded,
		ID:         int64(1),
		Fields:     map[string]any{"name": "first"},
	})

	frame = readFrame(t, conn)
	require.Equal(t, "notify", frame["msg"])
	require.Equal(t, itemsStream, frame["collection"])
	require.Equal(t, dispatcher.EventAdded, frame["type"])
	fields := frame["fields"].(map[string]any)
	require.Equal(t, "first", fields["name"])

	writeFrame(t, conn, map[string]any{"msg": "nosub", "id": "s2", "name": itemsStream})
	frame = readFrame(t, conn)
	require.Equal(t, "result", frame["msg"])

	// Events after unsubscribe no longer reach the connection; the next
	// frame we read is the pong for an explicit ping.
	d.Bus().Emit(dispatcher.Event{Collection: itemsStream, Type: dispatcher.EventAdded, ID: int64(2)})
	writeFrame(t, conn, map[string]any{"msg": "ping", "id": "p"})
	frame = readFrame(t, conn)
	require.Equal(t, "pong", frame["msg"])
}

func TestReplyOrderPreserved(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	for i := 0; i < 5; i++ {
		writeFrame(t, conn, map[string]any{
			"msg": "method", "id": string(rune('a' + i)), "method": "test.echo",
			"params": map[string]any{"value": string(rune('a' + i))},
		})
	}
	for i := 0; i < 5; i++ {
		frame := readFrame(t, conn)
		require.Equal(t, string(rune('a'+i)), frame["id"])
	}
}
