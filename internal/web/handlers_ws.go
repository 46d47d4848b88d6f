package web

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"clock-onair/internal/broker"
)

const wsReadLimit = 64 << 10

// handleWS upgrades the connection and hands it to the broker. The
// broker owns classification and fan-out; this handler only pumps
// bytes between the socket and the client's send channel.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	client := broker.NewClient()
	s.broker.Join(client)

	go s.wsWritePump(conn, client)
	s.wsReadPump(conn, client)
}

func (s *Server) wsWritePump(conn *websocket.Conn, client *broker.Client) {
	for msg := range client.Send() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by the broker; close the socket.
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(conn *websocket.Conn, client *broker.Client) {
	defer s.broker.Leave(client)

	ctx := context.Background()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.broker.Handle(client, data)
	}
}
