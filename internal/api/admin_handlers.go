// internal/api/admin_handlers.go
package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/DogezRule/Management-Panel-Cyber/internal/auth"
	"github.com/DogezRule/Management-Panel-Cyber/internal/inventory"
	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/pve"
	"github.com/DogezRule/Management-Panel-Cyber/internal/store"
)

// --- Nodes ---

// @Summary List Nodes
// @Tags Admin
// @Security BearerAuth
// @Produce json
// @Success 200 {array} models.Node
// @Router /api/v1/admin/nodes [get]
func (h *Handler) ListNodesHandler(c *gin.Context) {
	nodes, err := h.catalog.ListNodes(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

func validateNode(n *models.Node) error {
	if !isValidIdentifier(n.Name) {
		return &inventory.ValidationError{Field: "name", Reason: fmt.Sprintf("%q is not a valid node name", n.Name)}
	}
	u, err := url.Parse(n.Endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return &inventory.ValidationError{Field: "endpoint", Reason: fmt.Sprintf("%q is not an http(s) URL", n.Endpoint)}
	}
	if n.MaxInstances < 0 {
		return &inventory.ValidationError{Field: "maxInstances", Reason: "must not be negative"}
	}
	return nil
}

// @Summary Save Node
// @Description Creates or replaces a hypervisor node. Deactivating a node only stops new placements on it.
// @Tags Admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param node body models.Node true "Node"
// @Success 200 {object} models.Node
// @Failure 400 {object} models.ErrorResponse "Invalid input"
// @Router /api/v1/admin/nodes [put]
func (h *Handler) SaveNodeHandler(c *gin.Context) {
	var n models.Node
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}
	if err := validateNode(&n); err != nil {
		writeError(c, err)
		return
	}
	if err := h.catalog.SaveNode(c.Request.Context(), &n); err != nil {
		writeError(c, err)
		return
	}
	log.Infof("Admin '%s' saved node '%s' (active=%t, max=%d)", c.GetString("username"), n.Name, n.Active, n.MaxInstances)
	c.JSON(http.StatusOK, n)
}

// @Summary Delete Node
// @Description Removes a node. Its template mappings stay and become dormant.
// @Tags Admin
// @Security BearerAuth
// @Produce json
// @Param name path string true "Node name"
// @Success 200 {object} models.GenericSuccessResponse
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Router /api/v1/admin/nodes/{name} [delete]
func (h *Handler) DeleteNodeHandler(c *gin.Context) {
	name := c.Param("name")
	if err := h.catalog.DeleteNode(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	h.control.Evict(name)
	log.Infof("Admin '%s' deleted node '%s'", c.GetString("username"), name)
	c.JSON(http.StatusOK, models.GenericSuccessResponse{Message: "Node '" + name + "' deleted"})
}

// --- Templates ---

// @Summary List Templates
// @Description Lists templates. Students only see active ones.
// @Tags Templates
// @Security BearerAuth
// @Produce json
// @Success 200 {array} models.Template
// @Router /api/v1/templates [get]
func (h *Handler) ListTemplatesHandler(c *gin.Context) {
	templates, err := h.catalog.ListTemplates(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if !isPrivileged(c) {
		active := make([]models.Template, 0, len(templates))
		for _, t := range templates {
			if t.Active {
				active = append(active, t)
			}
		}
		templates = active
	}
	c.JSON(http.StatusOK, templates)
}

// @Summary Save Template
// @Tags Admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param template body models.Template true "Template"
// @Success 200 {object} models.Template
// @Failure 400 {object} models.ErrorResponse "Invalid input"
// @Router /api/v1/admin/templates [put]
func (h *Handler) SaveTemplateHandler(c *gin.Context) {
	var t models.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}
	if !isValidIdentifier(t.ID) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid template id"})
		return
	}
	if err := h.catalog.SaveTemplate(c.Request.Context(), &t); err != nil {
		writeError(c, err)
		return
	}
	log.Infof("Admin '%s' saved template '%s' (active=%t)", c.GetString("username"), t.ID, t.Active)
	c.JSON(http.StatusOK, t)
}

// @Summary Delete Template
// @Description Removes a template and all of its node mappings
// @Tags Admin
// @Security BearerAuth
// @Produce json
// @Param id path string true "Template ID"
// @Success 200 {object} models.GenericSuccessResponse
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Router /api/v1/admin/templates/{id} [delete]
func (h *Handler) DeleteTemplateHandler(c *gin.Context) {
	id := c.Param("id")
	if err := h.catalog.DeleteTemplate(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	log.Infof("Admin '%s' deleted template '%s'", c.GetString("username"), id)
	c.JSON(http.StatusOK, models.GenericSuccessResponse{Message: "Template '" + id + "' deleted"})
}

// @Summary List Template Mappings
// @Tags Admin
// @Security BearerAuth
// @Produce json
// @Param id path string true "Template ID"
// @Success 200 {array} models.TemplateNodeMapping
// @Failure 404 {object} models.ErrorResponse "Template not found"
// @Router /api/v1/admin/templates/{id}/mappings [get]
func (h *Handler) ListMappingsHandler(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.catalog.GetTemplate(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	mappings, err := h.catalog.MappingsForTemplate(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, mappings)
}

// @Summary Replace Template Mappings
// @Description Sets the template's VMID on each node. A blank vmid leaves the node out; other values must be whole numbers from 100 up.
// @Tags Admin
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "Template ID"
// @Param mappings body models.TemplateMappingsRequest true "Per-node VMIDs"
// @Success 200 {array} models.TemplateNodeMapping
// @Failure 400 {object} models.ErrorResponse "Invalid VMID or unknown node"
// @Failure 404 {object} models.ErrorResponse "Template not found"
// @Router /api/v1/admin/templates/{id}/mappings [put]
func (h *Handler) ReplaceMappingsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req models.TemplateMappingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}
	if _, err := h.catalog.GetTemplate(ctx, id); err != nil {
		writeError(c, err)
		return
	}

	mappings, err := inventory.ParseMappingInputs(id, req.Mappings)
	if err != nil {
		writeError(c, err)
		return
	}
	for _, m := range mappings {
		if _, err := h.catalog.GetNode(ctx, m.NodeName); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				err = &inventory.ValidationError{Field: "mapping node", Reason: fmt.Sprintf("unknown node '%s'", m.NodeName)}
			}
			writeError(c, err)
			return
		}
	}

	if err := h.catalog.ReplaceMappings(ctx, id, mappings); err != nil {
		writeError(c, err)
		return
	}
	log.Infof("Admin '%s' set %d node mapping(s) for template '%s'", c.GetString("username"), len(mappings), id)
	c.JSON(http.StatusOK, mappings)
}

// @Summary Delete Template Mapping
// @Tags Admin
// @Security BearerAuth
// @Produce json
// @Param id path string true "Template ID"
// @Param node path string true "Node name"
// @Success 200 {object} models.GenericSuccessResponse
// @Failure 404 {object} models.ErrorResponse "Mapping not found"
// @Router /api/v1/admin/templates/{id}/mappings/{node} [delete]
func (h *Handler) DeleteMappingHandler(c *gin.Context) {
	id, node := c.Param("id"), c.Param("node")
	if err := h.catalog.DeleteMapping(c.Request.Context(), id, node); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.GenericSuccessResponse{Message: fmt.Sprintf("Template '%s' unmapped from node '%s'", id, node)})
}

// --- Users ---

// @Summary List Users
// @Tags Users
// @Security BearerAuth
// @Produce json
// @Success 200 {array} models.User
// @Router /api/v1/admin/users [get]
func (h *Handler) ListUsersHandler(c *gin.Context) {
	users, err := h.catalog.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// @Summary Create User
// @Tags Users
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param user body models.UserCreateRequest true "New user"
// @Success 201 {object} models.User
// @Failure 400 {object} models.ErrorResponse "Invalid input"
// @Failure 409 {object} models.ErrorResponse "User exists"
// @Router /api/v1/admin/users [post]
func (h *Handler) CreateUserHandler(c *gin.Context) {
	var req models.UserCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}
	u, err := auth.CreateUser(c.Request.Context(), h.catalog, req)
	if err != nil {
		log.Warnf("CreateUser by '%s' for '%s' failed: %v", c.GetString("username"), req.Username, err)
		writeError(c, err)
		return
	}
	log.Infof("Admin '%s' created %s '%s'", c.GetString("username"), u.Role, u.Username)
	c.JSON(http.StatusCreated, u)
}

// @Summary Delete User
// @Tags Users
// @Security BearerAuth
// @Produce json
// @Param username path string true "Username"
// @Success 200 {object} models.GenericSuccessResponse
// @Failure 400 {object} models.ErrorResponse "Cannot delete yourself"
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Router /api/v1/admin/users/{username} [delete]
func (h *Handler) DeleteUserHandler(c *gin.Context) {
	username := c.Param("username")
	if username == c.GetString("username") {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Cannot delete your own account"})
		return
	}
	if err := h.catalog.DeleteUser(c.Request.Context(), username); err != nil {
		writeError(c, err)
		return
	}
	log.Infof("Admin '%s' deleted user '%s'", c.GetString("username"), username)
	c.JSON(http.StatusOK, models.GenericSuccessResponse{Message: "User '" + username + "' deleted"})
}

// --- Cluster ---

// @Summary Node Statistics
// @Description Instance counts, capacity and utilization per node
// @Tags Cluster
// @Security BearerAuth
// @Produce json
// @Success 200 {object} models.NodeStatistics
// @Router /api/v1/stats [get]
func (h *Handler) NodeStatisticsHandler(c *gin.Context) {
	stats, err := h.deployer.NodeStatistics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// @Summary List Control Sessions
// @Description Pooled hypervisor sessions and their ticket expiry
// @Tags Cluster
// @Security BearerAuth
// @Produce json
// @Success 200 {array} pve.SessionInfo
// @Router /api/v1/admin/control-sessions [get]
func (h *Handler) ListControlSessionsHandler(c *gin.Context) {
	sessions := h.control.Sessions()
	if sessions == nil {
		sessions = []pve.SessionInfo{}
	}
	c.JSON(http.StatusOK, sessions)
}

// @Summary Evict Control Session
// @Description Drops the pooled session for a node; the next command logs in again
// @Tags Cluster
// @Security BearerAuth
// @Produce json
// @Param node path string true "Node name"
// @Success 200 {object} models.GenericSuccessResponse
// @Router /api/v1/admin/control-sessions/{node} [delete]
func (h *Handler) EvictControlSessionHandler(c *gin.Context) {
	node := c.Param("node")
	h.control.Evict(node)
	log.Infof("Admin '%s' evicted control session for node '%s'", c.GetString("username"), node)
	c.JSON(http.StatusOK, models.GenericSuccessResponse{Message: "Control session for '" + node + "' evicted"})
}
