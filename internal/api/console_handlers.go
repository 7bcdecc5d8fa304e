// internal/api/console_handlers.go
package api

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/DogezRule/Management-Panel-Cyber/internal/console"
	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	Subprotocols:    []string{"binary"},
	// Tokens, not cookies, authenticate the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// @Summary Open Console
// @Description Authenticates a console on the instance's node. The client then attaches a websocket to the returned path before the expiration.
// @Tags Console
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "Instance ID"
// @Param console_request body models.ConsoleOpenRequest false "Console kind (vnc or term)"
// @Success 201 {object} models.ConsoleOpenResponse
// @Failure 400 {object} models.ErrorResponse "Invalid input"
// @Failure 403 {object} models.ErrorResponse "Not the instance owner"
// @Failure 404 {object} models.ErrorResponse "Instance not found"
// @Failure 502 {object} models.ErrorResponse "Node rejected the console ticket or is unreachable"
// @Router /api/v1/instances/{id}/console [post]
func (h *Handler) OpenConsoleHandler(c *gin.Context) {
	username := c.GetString("username")
	id := c.Param("id")
	if !isValidID(id) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid instance id"})
		return
	}

	var req models.ConsoleOpenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
			return
		}
	}
	if req.Kind == "" {
		req.Kind = models.ConsoleVNC
	}
	if req.Kind != models.ConsoleVNC && req.Kind != models.ConsoleTerm {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Console kind must be 'vnc' or 'term'"})
		return
	}

	s, err := h.consoles.Open(c.Request.Context(), principal(c), id, req.Kind)
	if err != nil {
		log.Warnf("OpenConsole user '%s': instance '%s' failed: %v", username, id, err)
		writeError(c, err)
		return
	}

	expiration := h.consoles.AttachDeadline(s)
	if exp := s.TicketExpiry(); !exp.IsZero() && exp.Before(expiration) {
		expiration = exp
	}

	log.Infof("OpenConsole user '%s': session '%s' ready for instance '%s'", username, s.ID, id)
	c.JSON(http.StatusCreated, models.ConsoleOpenResponse{
		SessionID:  s.ID,
		Kind:       s.Kind,
		WebSocket:  "/api/v1/console/" + s.ID + "/ws",
		Password:   s.Password,
		Expiration: expiration,
	})
}

// @Summary Attach Console
// @Description Upgrades to a websocket and relays the console until either side closes. Pass the JWT as the token query parameter.
// @Tags Console
// @Security BearerAuth
// @Param sessionId path string true "Console session ID"
// @Param token query string false "JWT when the Authorization header cannot be set"
// @Success 101 "Switching Protocols"
// @Failure 403 {object} models.ErrorResponse "Not allowed"
// @Failure 404 {object} models.ErrorResponse "Session not found"
// @Failure 409 {object} models.ErrorResponse "Session already attached"
// @Router /api/v1/console/{sessionId}/ws [get]
func (h *Handler) AttachConsoleHandler(c *gin.Context) {
	username := c.GetString("username")
	id := c.Param("sessionId")
	p := principal(c)

	// Fail before the upgrade so the client gets a readable status
	s, ok := h.consoles.Get(id)
	if !ok {
		writeError(c, console.ErrSessionNotFound)
		return
	}
	if p.Username != s.Username && !p.CanAccess(s.Owner) {
		writeError(c, console.ErrForbidden)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("AttachConsole user '%s': websocket upgrade failed for session '%s': %v", username, id, err)
		return
	}

	// Attach owns conn from here and closes it
	if err := h.consoles.Attach(c.Request.Context(), id, p, conn); err != nil {
		log.Warnf("AttachConsole user '%s': session '%s': %v", username, id, err)
		return
	}
	log.Debugf("AttachConsole user '%s': session '%s' finished", username, id)
}

// @Summary List Console Sessions
// @Description Lists open console sessions. Students see only their own.
// @Tags Console
// @Security BearerAuth
// @Produce json
// @Success 200 {array} models.ConsoleSessionInfo
// @Router /api/v1/console/sessions [get]
func (h *Handler) ListConsoleSessionsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.consoles.List(principal(c)))
}

// @Summary Terminate Console Session
// @Tags Console
// @Security BearerAuth
// @Produce json
// @Param sessionId path string true "Console session ID"
// @Success 200 {object} models.GenericSuccessResponse
// @Failure 403 {object} models.ErrorResponse "Not allowed"
// @Failure 404 {object} models.ErrorResponse "Session not found"
// @Router /api/v1/console/{sessionId} [delete]
func (h *Handler) TerminateConsoleSessionHandler(c *gin.Context) {
	id := c.Param("sessionId")
	p := principal(c)
	s, ok := h.consoles.Get(id)
	if !ok {
		writeError(c, console.ErrSessionNotFound)
		return
	}
	if p.Username != s.Username && !p.CanAccess(s.Owner) {
		writeError(c, console.ErrForbidden)
		return
	}
	if err := h.consoles.Terminate(id); err != nil {
		writeError(c, err)
		return
	}
	log.Infof("User '%s' terminated console session '%s'", p.Username, id)
	c.JSON(http.StatusOK, models.GenericSuccessResponse{Message: "Console session terminated"})
}
