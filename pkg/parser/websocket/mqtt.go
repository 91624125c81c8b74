// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// MQTTSubprotocols are accepted for MQTT over WebSocket.
var MQTTSubprotocols = []string{"mqtt", "mqttv3.1"}

// ConnServeFunc runs a stream protocol over conn until it closes.
type ConnServeFunc func(ctx context.Context, conn net.Conn) error

// MQTTHandler upgrades requests and serves MQTT over the connection.
type MQTTHandler struct {
	upgrader websocket.Upgrader
	serve    ConnServeFunc
	logger   *slog.Logger
}

var _ http.Handler = (*MQTTHandler)(nil)

// NewMQTTHandler creates a handler feeding upgraded connections to serve.
func NewMQTTHandler(serve ConnServeFunc, checkOrigin func(*http.Request) bool, logger *slog.Logger) *MQTTHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTHandler{
		upgrader: websocket.Upgrader{
			Subprotocols: MQTTSubprotocols,
			CheckOrigin:  checkOrigin,
		},
		serve:  serve,
		logger: logger,
	}
}

func (h *MQTTHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade MQTT WebSocket connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	conn := NewConn(ws)
	defer conn.Close()

	h.logger.Debug("MQTT WebSocket connection upgraded",
		slog.String("remote", r.RemoteAddr),
		slog.String("subprotocol", ws.Subprotocol()))
	if err := h.serve(r.Context(), conn); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Debug("MQTT WebSocket connection ended",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
	}
}
