package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hengoj/heng/internal/judger/config"
	"github.com/hengoj/heng/internal/judger/executor"
	"github.com/hengoj/heng/internal/protocol"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Run performs one full worker session: acquire a token, open the signed
// socket, and serve frames until the connection drops.
func Run(cfg *config.Config, exec *executor.Module) error {
	token, err := AcquireToken(cfg)
	if err != nil {
		return err
	}
	slog.Info("token acquired", "token", token[:8])

	conn, err := DialWebsocket(cfg, token)
	if err != nil {
		return err
	}
	defer conn.Close()
	slog.Info("session established", "remote", cfg.Client.RemoteDomain)

	judger := NewJudger(exec, time.Duration(cfg.Client.RPCTimeout)*time.Millisecond)
	defer judger.Shutdown()

	go writeLoop(conn, judger)
	go judger.ReportStatusLoop()

	return readLoop(conn, judger)
}

// writeLoop is the single socket writer: it drains the judger's send queue
// and keeps the connection alive with pings.
func writeLoop(conn *websocket.Conn, judger *Judger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-judger.SendQueue():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				slog.Warn("write failed", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("ping failed", "error", err)
				conn.Close()
				return
			}
		case <-judger.Closed():
			return
		}
	}
}

func readLoop(conn *websocket.Conn, judger *Judger) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("session closed by controller")
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind != websocket.TextMessage {
			slog.Warn("drop non-text ws message")
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return fmt.Errorf("message format error: %w (payload=%q)", err, payload)
		}
		judger.HandleFrame(&frame)
	}
}
