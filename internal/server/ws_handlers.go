package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader upgrades HTTP requests to WebSockets.
//
// CheckOrigin allows every origin; the server binds to localhost by default.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWSJobs streams trial/done/error events. ?job=<id> narrows the
// stream to one job.
//
// Incoming messages are ignored; the read loop only detects disconnects.
func (s *Server) handleWSJobs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := s.ws.Add(conn, r.URL.Query().Get("job"))
	s.log.Debug().Str("remote", r.RemoteAddr).Str("job", client.jobID).Msg("ws subscriber connected")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.ws.Remove(client)
			return
		}
	}
}
