// Command qihubd is a worked accept-loop entrypoint around the hub
// package: one WebSocket endpoint, JSON text frames, a handshake that
// must be the first frame, then a read loop that hands every subsequent
// frame to the hub. It is not mandatory core scope (see SPEC_FULL.md
// §7) — a real deployment is free to embed package hub behind a
// different transport entirely.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"github.com/streamspace-dev/qihub/internal/bus/bustypes"
	"github.com/streamspace-dev/qihub/internal/busconfig"
	"github.com/streamspace-dev/qihub/internal/hub"
	"github.com/streamspace-dev/qihub/internal/logx"
	"github.com/streamspace-dev/qihub/internal/sweep"
	"github.com/streamspace-dev/qihub/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// sanitizer strips markup from client-controlled strings before they are
// written into a dev-mode error frame's log line, so an addon can never
// inject control characters or HTML into operator-facing logs.
var sanitizer = bluemonday.StrictPolicy()

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	devMode := flag.Bool("dev", false, "enable strict dev-mode message validation")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logx.Initialize(*logLevel, *devMode)

	cfg := busconfig.Default()
	cfg.DevMode = *devMode
	h := hub.New(cfg)
	defer h.Shutdown()

	scheduler := sweep.New()
	if err := scheduler.ScheduleStalePendingSweep(h.Bus(), "*/1 * * * *", cfg.ReplyTimeout*2); err != nil {
		logx.Hub().Fatal().Err(err).Msg("failed to schedule stale-pending sweep")
	}
	scheduler.Start()
	defer scheduler.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", newEndpoint(h, *devMode).handle)

	logx.Hub().Info().Str("addr", *addr).Bool("dev_mode", *devMode).Msg("qihubd listening")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logx.Hub().Fatal().Err(err).Msg("server exited")
	}
}

type endpoint struct {
	hub     *hub.Hub
	devMode bool
}

func newEndpoint(h *hub.Hub, devMode bool) *endpoint {
	return &endpoint{hub: h, devMode: devMode}
}

func (e *endpoint) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.WebSocket().Warn().Err(err).Msg("upgrade failed")
		return
	}

	session, source, ok := e.handshake(conn)
	if !ok {
		return
	}

	connectionID := uuid.NewString()
	socket := transport.NewGorillaSocket(conn)
	ctx := context.Background()

	if err := e.hub.Register(ctx, connectionID, session, source, socket); err != nil {
		logx.WebSocket().Error().Err(err).Msg("registration failed")
		closeWith(conn, transport.CloseInternalRegistration, "registration failed")
		return
	}
	defer e.hub.Unregister(ctx, session.LogicalID)

	e.readLoop(ctx, conn, session, source)
}

// handshake reads the first frame and validates it as a Session object
// with at least logical_id, per spec §6. Any failure closes the socket
// with the appropriate close code and returns ok=false.
func (e *endpoint) handshake(conn *websocket.Conn) (bustypes.Session, bustypes.Source, bool) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		closeWith(conn, transport.CloseAbnormalHandshake, "handshake read failed")
		return bustypes.Session{}, bustypes.Source{}, false
	}
	if msgType != websocket.TextMessage {
		closeWith(conn, transport.CloseInvalidSession, "binary handshake frame rejected")
		return bustypes.Session{}, bustypes.Source{}, false
	}

	var session bustypes.Session
	if err := e.decode(data, &session); err != nil {
		closeWith(conn, transport.CloseInvalidSession, "malformed session handshake")
		return bustypes.Session{}, bustypes.Source{}, false
	}
	if err := bustypes.ValidateSession(session); err != nil {
		closeWith(conn, transport.CloseInvalidSession, err.Error())
		return bustypes.Session{}, bustypes.Source{}, false
	}

	source := bustypes.Source{ID: uuid.NewString(), Addon: "qihubd", SessionID: session.ID}
	return session, source, true
}

// readLoop hands every subsequent frame to the hub as a Publish call.
// Binary frames are rejected per message without closing the connection
// (spec §6, §7: per-message validation failures keep the connection
// open).
func (e *endpoint) readLoop(ctx context.Context, conn *websocket.Conn, session bustypes.Session, source bustypes.Source) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			e.reportValidationError(conn, "binary frames are rejected")
			continue
		}

		var msg bustypes.Message
		if err := e.decode(data, &msg); err != nil {
			e.reportValidationError(conn, "malformed message: "+sanitizer.Sanitize(err.Error()))
			continue
		}
		msg.Sender = session

		if err := e.hub.Publish(ctx, msg, source); err != nil {
			e.reportValidationError(conn, err.Error())
		}
	}
}

// decode unmarshals into v, rejecting unknown top-level keys when
// dev_mode is enabled (spec §6: "Top-level unknown keys are tolerated in
// production, rejected in development").
func (e *endpoint) decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if e.devMode {
		dec.DisallowUnknownFields()
	}
	return dec.Decode(v)
}

func (e *endpoint) reportValidationError(conn *websocket.Conn, reason string) {
	if e.devMode {
		logx.WebSocket().Warn().Str("reason", reason).Msg("dropping invalid message")
	}
	frame, err := json.Marshal(map[string]any{
		"type":  "error",
		"error": reason,
	})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	conn.Close()
}
