// internal/api/instance_handlers.go
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/DogezRule/Management-Panel-Cyber/internal/deploy"
	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/placement"
	"github.com/DogezRule/Management-Panel-Cyber/internal/store"
)

// @Summary Deploy Instance
// @Description Clones a template onto a node chosen by the placement strategy. Students always deploy for themselves.
// @Tags Instances
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param deploy_request body models.DeployRequest true "Template and optional strategy"
// @Success 201 {object} models.Instance
// @Failure 400 {object} models.ErrorResponse "Invalid input"
// @Failure 401 {object} models.ErrorResponse "Unauthorized"
// @Failure 409 {object} models.ErrorResponse "Template not registered on the chosen node, or inactive"
// @Failure 502 {object} models.ErrorResponse "Hypervisor unreachable or clone failed"
// @Failure 503 {object} models.ErrorResponse "No eligible node"
// @Router /api/v1/instances [post]
func (h *Handler) DeployInstanceHandler(c *gin.Context) {
	username := c.GetString("username")

	var req models.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("DeployInstance failed for user '%s': Invalid request body: %v", username, err)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}
	if !isValidIdentifier(req.TemplateID) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid template id"})
		return
	}

	owner := username
	if req.Owner != "" && isPrivileged(c) {
		owner = req.Owner
	}

	dreq := deploy.Request{TemplateID: req.TemplateID, Owner: owner}
	if strings.TrimSpace(req.Strategy) != "" {
		strategy, err := placement.ParseStrategy(req.Strategy)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
			return
		}
		dreq.Strategy = &strategy
	}

	inst, err := h.deployer.Deploy(c.Request.Context(), dreq)
	if err != nil {
		if inst != nil {
			log.Errorf("DeployInstance user '%s': instance '%s' on node '%s' failed: %v", username, inst.ID, inst.NodeName, err)
		} else {
			log.Warnf("DeployInstance user '%s': template '%s' rejected: %v", username, req.TemplateID, err)
		}
		writeError(c, err)
		return
	}

	log.Infof("DeployInstance user '%s': deployed '%s' (%s) on node '%s'", username, inst.Name, inst.ID, inst.NodeName)
	c.JSON(http.StatusCreated, inst)
}

// @Summary List Instances
// @Description Lists the caller's instances. Admins and teachers see every instance, optionally filtered by owner.
// @Tags Instances
// @Security BearerAuth
// @Produce json
// @Param owner query string false "Filter by owner (admin/teacher only)"
// @Success 200 {array} models.InstanceResponse
// @Failure 401 {object} models.ErrorResponse "Unauthorized"
// @Router /api/v1/instances [get]
func (h *Handler) ListInstancesHandler(c *gin.Context) {
	owner := c.GetString("username")
	if isPrivileged(c) {
		owner = c.Query("owner")
	}
	list, err := h.deployer.List(c.Request.Context(), owner)
	if err != nil {
		log.Errorf("ListInstances user '%s': %v", c.GetString("username"), err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// loadOwned fetches the instance named in the path and checks the caller may act on it.
// Instances of other users are reported as missing.
func (h *Handler) loadOwned(c *gin.Context) (*models.InstanceResponse, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid instance id"})
		return nil, false
	}
	inst, err := h.deployer.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !isPrivileged(c) && inst.Owner != c.GetString("username") {
		log.Warnf("User '%s' tried to access instance '%s' owned by '%s'", c.GetString("username"), id, inst.Owner)
		writeError(c, store.ErrNotFound)
		return nil, false
	}
	return inst, true
}

// @Summary Get Instance
// @Tags Instances
// @Security BearerAuth
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} models.InstanceResponse
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Router /api/v1/instances/{id} [get]
func (h *Handler) GetInstanceHandler(c *gin.Context) {
	inst, ok := h.loadOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, inst)
}

// @Summary Start Instance
// @Tags Instances
// @Security BearerAuth
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} models.Instance
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Failure 409 {object} models.ErrorResponse "Instance busy or failed"
// @Failure 502 {object} models.ErrorResponse "Hypervisor error"
// @Router /api/v1/instances/{id}/start [post]
func (h *Handler) StartInstanceHandler(c *gin.Context) {
	h.instanceAction(c, "start", h.deployer.Start)
}

// @Summary Stop Instance
// @Tags Instances
// @Security BearerAuth
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} models.Instance
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Failure 409 {object} models.ErrorResponse "Instance busy or failed"
// @Failure 502 {object} models.ErrorResponse "Hypervisor error"
// @Router /api/v1/instances/{id}/stop [post]
func (h *Handler) StopInstanceHandler(c *gin.Context) {
	h.instanceAction(c, "stop", h.deployer.Stop)
}

// @Summary Refresh Instance Status
// @Description Reads the VM's run state from its node
// @Tags Instances
// @Security BearerAuth
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} models.Instance
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Failure 502 {object} models.ErrorResponse "Hypervisor error"
// @Router /api/v1/instances/{id}/refresh [post]
func (h *Handler) RefreshInstanceHandler(c *gin.Context) {
	h.instanceAction(c, "refresh", h.deployer.Refresh)
}

func (h *Handler) instanceAction(c *gin.Context, action string, fn func(ctx context.Context, id string) (*models.Instance, error)) {
	inst, ok := h.loadOwned(c)
	if !ok {
		return
	}
	updated, err := fn(c.Request.Context(), inst.ID)
	if err != nil {
		log.Warnf("Instance %s by user '%s' failed for '%s': %v", action, c.GetString("username"), inst.ID, err)
		writeError(c, err)
		return
	}
	log.Infof("Instance %s by user '%s': '%s' is %s", action, c.GetString("username"), inst.ID, updated.Status)
	c.JSON(http.StatusOK, updated)
}

// @Summary Delete Instance
// @Description Destroys the VM on its node and removes the instance
// @Tags Instances
// @Security BearerAuth
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} models.GenericSuccessResponse
// @Failure 404 {object} models.ErrorResponse "Not found"
// @Failure 409 {object} models.ErrorResponse "Instance busy"
// @Failure 502 {object} models.ErrorResponse "Hypervisor error"
// @Router /api/v1/instances/{id} [delete]
func (h *Handler) DeleteInstanceHandler(c *gin.Context) {
	inst, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if err := h.deployer.Delete(c.Request.Context(), inst.ID); err != nil {
		log.Warnf("DeleteInstance user '%s': '%s' failed: %v", c.GetString("username"), inst.ID, err)
		writeError(c, err)
		return
	}
	log.Infof("DeleteInstance user '%s': removed '%s' from node '%s'", c.GetString("username"), inst.ID, inst.NodeName)
	c.JSON(http.StatusOK, models.GenericSuccessResponse{Message: "Instance '" + inst.Name + "' deleted"})
}
