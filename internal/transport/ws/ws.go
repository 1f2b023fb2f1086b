// Package ws serves the dispatcher over WebSocket. One connection is one
// session; call replies keep request order and event notifications interleave
// freely between them.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/dispatcher"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Frame discriminators, carried in the "msg" field.
const (
	frameMethod = "method"
	frameSub    = "sub"
	frameNosub  = "nosub"
	framePing   = "ping"
	framePong   = "pong"
	frameResult = "result"
	frameError  = "error"
	frameNotify = "notify"
)

// Server upgrades HTTP requests and runs the WebSocket protocol.
type Server struct {
	d        *dispatcher.Dispatcher
	log      *logger.Logger
	upgrader websocket.Upgrader
}

func NewServer(d *dispatcher.Dispatcher, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("ws")
	}
	return &Server{
		d:   d,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon authenticates per session, not per HTTP origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	go s.serveConn(conn, originOf(r))
}

func originOf(r *http.Request) *auth.Origin {
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return &auth.Origin{Transport: auth.TransportWebSocket, Address: r.RemoteAddr}
	}
	port, _ := strconv.Atoi(portStr)
	return &auth.Origin{Transport: auth.TransportWebSocket, Address: host, Port: port}
}

func (s *Server) serveConn(conn *websocket.Conn, origin *auth.Origin) {
	sink := newSink()
	sess := s.d.NewSession(origin, sink)
	log := s.log.WithField("session", sess.ID())

	go s.writePump(conn, sink)
	defer func() {
		sess.Close()
		sink.terminate()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	log.Infof("session opened from %s", origin.String())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("connection dropped")
			}
			return
		}
		s.handleFrame(sess, sink, data)
	}
}

// handleFrame peeks the discriminator and routes one inbound frame. Malformed
// frames get an error reply when they carry an id and are dropped otherwise.
func (s *Server) handleFrame(sess *dispatcher.Session, sink *wsSink, data []byte) {
	msg := gjson.GetBytes(data, "msg").String()
	id := gjson.GetBytes(data, "id").String()

	switch msg {
	case framePing:
		sink.send(map[string]any{"msg": framePong, "id": id})

	case frameMethod:
		method := gjson.GetBytes(data, "method").String()
		if method == "" {
			sink.sendError(id, validationError("method", "field is required"))
			return
		}
		var params any
		if raw := gjson.GetBytes(data, "params"); raw.Exists() {
			if err := json.Unmarshal([]byte(raw.Raw), &params); err != nil {
				sink.sendError(id, validationError("params", "invalid JSON"))
				return
			}
		}
		sess.CallAsync(context.Background(), id, method, params)

	case frameSub:
		name := gjson.GetBytes(data, "name").String()
		replay := gjson.GetBytes(data, "replay").Bool()
		if err := sess.Subscribe(context.Background(), name, dispatcher.SubscribeOptions{Replay: replay}); err != nil {
			sink.sendError(id, errors.AsError(err))
			return
		}
		sink.send(map[string]any{"msg": frameResult, "id": id, "result": true})

	case frameNosub:
		name := gjson.GetBytes(data, "name").String()
		if err := sess.Unsubscribe(name); err != nil {
			sink.sendError(id, errors.AsError(err))
			return
		}
		sink.send(map[string]any{"msg": frameResult, "id": id, "result": true})

	default:
		if id != "" {
			sink.sendError(id, validationError("msg", "unknown frame type "+strconv.Quote(msg)))
		}
	}
}

func validationError(path, message string) *errors.Error {
	verrs := &errors.Validation{}
	verrs.Add(path, message, "invalid")
	return verrs.Envelope()
}

func (s *Server) writePump(conn *websocket.Conn, sink *wsSink) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case data, ok := <-sink.out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sink.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// wsSink queues outbound frames for the write pump. A peer that lets the
// queue fill is disconnected rather than allowed to stall the dispatcher.
type wsSink struct {
	out  chan []byte
	done chan struct{}
	once sync.Once
}

var _ dispatcher.Sink = (*wsSink)(nil)

func newSink() *wsSink {
	return &wsSink{
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (s *wsSink) terminate() {
	s.once.Do(func() { close(s.done) })
}

func (s *wsSink) send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case s.out <- data:
	case <-s.done:
	default:
		s.terminate()
	}
}

// sendError flattens the error into the wire envelope. "reason" carries the
// human-readable message; "trace" is reserved for server-side diagnostics and
// stays null in production builds.
func (s *wsSink) sendError(id string, e *errors.Error) {
	envelope := map[string]any{
		"errno":  e.Errno,
		"code":   e.Code,
		"reason": e.Message,
		"trace":  nil,
	}
	if len(e.Details) > 0 {
		envelope["details"] = e.Details
	}
	s.send(map[string]any{"msg": frameError, "id": id, "error": envelope})
}

func (s *wsSink) SendReply(rep dispatcher.Reply) {
	if rep.Err != nil {
		s.sendError(rep.CallID, rep.Err)
		return
	}
	s.send(map[string]any{"msg": frameResult, "id": rep.CallID, "result": rep.Result})
}

func (s *wsSink) SendEvent(ev dispatcher.Event) {
	s.send(map[string]any{
		"msg":        frameNotify,
		"collection": ev.Collection,
		"type":       ev.Type,
		"id":         ev.ID,
		"fields":     ev.Fields,
	})
}
