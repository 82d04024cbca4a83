package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ericfitz/syncboard/auth"
	"github.com/ericfitz/syncboard/internal/metrics"
	"github.com/ericfitz/syncboard/internal/slogging"
)

// Upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development; restrict in production
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the sync API server instance
type Server struct {
	hub *Hub
}

// NewServer creates a new API server around a room hub
func NewServer(hub *Hub) *Server {
	return &Server{hub: hub}
}

// RegisterHandlers registers the sync routes with the router. The
// WebSocket route sits behind the same auth middleware as the REST
// surface; browsers pass the token as a query parameter since the
// WebSocket API cannot set headers.
func (s *Server) RegisterHandlers(r *gin.Engine, authMW *auth.Middleware) {
	r.GET("/ws/diagrams/:id", authMW.AuthRequired(), s.HandleWebSocket)

	protected := r.Group("/api", authMW.AuthRequired())
	protected.GET("/diagrams/:id/collaborators", s.HandleGetCollaborators)
	protected.GET("/diagrams/:id/locks", s.HandleGetLocks)

	r.GET("/healthz", s.HandleHealthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// HandleWebSocket upgrades the connection and attaches the client to the
// diagram's room
func (s *Server) HandleWebSocket(c *gin.Context) {
	logger := slogging.Get().WithContext(c)
	diagramID := c.Param("id")

	authUser, err := auth.UserFromGin(c)
	if err != nil {
		logger.Warn("WebSocket join rejected for diagram %s: %v", diagramID, err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "User not authenticated",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Failed to upgrade connection - Diagram: %s, User: %s, Error: %v",
			diagramID, authUser.ID, err)
		return
	}

	room := s.hub.GetOrCreateRoom(diagramID)

	client := &WSClient{
		Room: room,
		Conn: conn,
		User: User{
			UserID:      authUser.ID,
			DisplayName: authUser.DisplayName,
		},
		Send: make(chan []byte, room.cfg.SendBufferSize),
	}

	select {
	case room.Register <- client:
	case <-room.done:
		// Room shut down between lookup and registration
		conn.Close()
		return
	}

	go client.ReadPump()
	go client.WritePump()
}

// HandleGetCollaborators returns the current participant list for a
// diagram. A diagram with no active room reports an empty list.
func (s *Server) HandleGetCollaborators(c *gin.Context) {
	diagramID := c.Param("id")

	collaborators := []Presence{}
	if room, ok := s.hub.Room(diagramID); ok {
		collaborators = room.Presence.PresenceSnapshot()
	}

	c.JSON(http.StatusOK, gin.H{
		"diagram_id":    diagramID,
		"collaborators": collaborators,
	})
}

// HandleGetLocks returns the current advisory lock table for a diagram
func (s *Server) HandleGetLocks(c *gin.Context) {
	diagramID := c.Param("id")

	locks := []ElementLock{}
	if room, ok := s.hub.Room(diagramID); ok {
		locks = room.Locks.Snapshot()
	}

	c.JSON(http.StatusOK, gin.H{
		"diagram_id": diagramID,
		"locks":      locks,
	})
}

// HandleHealthz reports liveness
func (s *Server) HandleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
