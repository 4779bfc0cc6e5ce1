package relay

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// Serve pumps one websocket connection until it drops or the relay closes.
// Liveness comes from websocket ping/pong; no application heartbeat exists.
// subject is the authenticated identity id, or "" when the relay runs without tokens.
func (r *Relay) Serve(ctx context.Context, conn *websocket.Conn, subject string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peer, err := r.Attach(ctx, subject)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer peer.Close()

	go r.writePump(ctx, conn, peer.Outbound())

	conn.SetReadLimit(wire.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				r.logger.Warn("connection read failed", zap.String("connection_ref", peer.Ref().String()), zap.Error(err))
			}
			return nil
		}
		if messageType != websocket.TextMessage {
			continue
		}
		peer.Handle(ctx, frame)
	}
}

func (r *Relay) writePump(ctx context.Context, conn *websocket.Conn, outbound <-chan []byte) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
