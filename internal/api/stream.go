package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stratusgg/stratus/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now; tighten in production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// statusPushInterval is how often a status snapshot is pushed to a connected
// client.
var statusPushInterval = 2 * time.Second

// deploymentStatusStream pushes status snapshots over a websocket until the
// deployment reaches a terminal state or the client disconnects.
func (s *Server) deploymentStatusStream(c echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "userId query parameter is required",
		})
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	ctx := c.Request().Context()
	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	for {
		status, err := s.deployer.Status(ctx, userID)
		if err != nil {
			status = &types.DeploymentStatus{Status: "ERROR", Message: err.Error()}
		}
		if err := ws.WriteJSON(status); err != nil {
			return nil
		}
		if terminalStatus(status.Status) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func terminalStatus(status string) bool {
	switch status {
	case "SUCCEEDED", "FAILED", "NOT_FOUND", "ERROR":
		return true
	}
	return false
}
