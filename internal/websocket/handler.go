package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/starstore/internal/auth"
)

// HandleWebSocket upgrades authenticated requests and runs them as Hub
// clients. originPatterns restricts cross-origin upgrades; empty means same
// origin only.
func HandleWebSocket(hub *Hub, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, ok := auth.FromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			hub.logger.Warn("websocket accept", "error", err, "user_id", ac.UserID)
			return
		}

		client := NewClient(hub, conn, ac.UserID, ac.Role)
		client.Run(r.Context())
	}
}
