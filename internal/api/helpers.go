package api

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/DogezRule/Management-Panel-Cyber/internal/auth"
	"github.com/DogezRule/Management-Panel-Cyber/internal/console"
	"github.com/DogezRule/Management-Panel-Cyber/internal/deploy"
	"github.com/DogezRule/Management-Panel-Cyber/internal/inventory"
	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/placement"
	"github.com/DogezRule/Management-Panel-Cyber/internal/pve"
	"github.com/DogezRule/Management-Panel-Cyber/internal/registry"
	"github.com/DogezRule/Management-Panel-Cyber/internal/store"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func isValidIdentifier(name string) bool {
	return models.IsValidIdentifier(name)
}

func isValidID(id string) bool {
	return uuidRegex.MatchString(id)
}

// principal returns the caller identity stored by AuthMiddleware
func principal(c *gin.Context) console.Principal {
	return console.Principal{Username: c.GetString("username"), Role: models.Role(c.GetString("role"))}
}

// isPrivileged reports whether the caller may act on other users' instances
func isPrivileged(c *gin.Context) bool {
	role := models.Role(c.GetString("role"))
	return role == models.RoleAdmin || role == models.RoleTeacher
}

// errorStatus maps domain errors to an HTTP status and response body.
func errorStatus(err error) (int, models.ErrorResponse) {
	resp := models.ErrorResponse{Error: err.Error()}

	var notRegistered *registry.TemplateNotRegisteredError
	var noNode *placement.NoEligibleNodeError
	var unavailable *pve.UnavailableError
	var apiErr *pve.APIError
	var taskErr *pve.TaskError
	var consoleAuth *console.AuthFailureError
	var validation *inventory.ValidationError

	switch {
	case errors.As(err, &notRegistered):
		resp.AvailableNodes = notRegistered.AvailableNodes
		if resp.AvailableNodes == nil {
			resp.AvailableNodes = []string{}
		}
		return http.StatusConflict, resp
	case errors.As(err, &noNode):
		resp.Reason = string(noNode.Reason)
		return http.StatusServiceUnavailable, resp
	case errors.As(err, &consoleAuth):
		resp.Reason = "console_auth"
		return http.StatusBadGateway, resp
	case errors.As(err, &unavailable):
		resp.Reason = "control_plane_unavailable"
		return http.StatusBadGateway, resp
	case errors.As(err, &apiErr), errors.As(err, &taskErr):
		return http.StatusBadGateway, resp
	case errors.As(err, &validation),
		errors.Is(err, store.ErrInvalidKey),
		errors.Is(err, auth.ErrInvalidUsername),
		errors.Is(err, auth.ErrInvalidRole),
		errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, resp
	case errors.Is(err, store.ErrNotFound), errors.Is(err, console.ErrSessionNotFound):
		return http.StatusNotFound, resp
	case errors.Is(err, console.ErrForbidden):
		return http.StatusForbidden, resp
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, deploy.ErrBusy),
		errors.Is(err, deploy.ErrTemplateInactive),
		errors.Is(err, console.ErrAlreadyAttached):
		return http.StatusConflict, resp
	case errors.Is(err, console.ErrShuttingDown):
		return http.StatusServiceUnavailable, resp
	}
	return http.StatusInternalServerError, resp
}

func writeError(c *gin.Context, err error) {
	status, resp := errorStatus(err)
	c.JSON(status, resp)
}
