// internal/api/bulk_handlers.go
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/placement"
	"github.com/DogezRule/Management-Panel-Cyber/internal/store"
)

// Upper bound on owners or instances in one bulk request
const maxBulkItems = 200

// bindBulkDeploy validates a bulk deploy body: a known template id, a strategy, and a
// non-empty list of distinct existing users.
func (h *Handler) bindBulkDeploy(c *gin.Context) (*models.BulkDeployRequest, *placement.Strategy, bool) {
	username := c.GetString("username")

	var req models.BulkDeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Bulk deploy by '%s': Invalid request body: %v", username, err)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return nil, nil, false
	}
	if !isValidIdentifier(req.TemplateID) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid template id"})
		return nil, nil, false
	}
	if len(req.Owners) == 0 || len(req.Owners) > maxBulkItems {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: fmt.Sprintf("Owners must list between 1 and %d users", maxBulkItems)})
		return nil, nil, false
	}

	seen := make(map[string]bool, len(req.Owners))
	for i, owner := range req.Owners {
		owner = strings.TrimSpace(owner)
		if seen[owner] {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: fmt.Sprintf("Owner '%s' listed twice", owner)})
			return nil, nil, false
		}
		seen[owner] = true
		if _, err := h.catalog.GetUser(c.Request.Context(), owner); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: fmt.Sprintf("Unknown user '%s'", owner)})
			} else {
				writeError(c, err)
			}
			return nil, nil, false
		}
		req.Owners[i] = owner
	}

	var strategy *placement.Strategy
	if strings.TrimSpace(req.Strategy) != "" {
		st, err := placement.ParseStrategy(req.Strategy)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
			return nil, nil, false
		}
		strategy = &st
	}
	return &req, strategy, true
}

// @Summary Plan Bulk Deployment
// @Description Previews the node and storage each owner's instance would get. Nothing is reserved.
// @Tags Bulk
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param bulk_request body models.BulkDeployRequest true "Template, owners and optional strategy"
// @Success 200 {array} models.PlannedPlacement
// @Failure 400 {object} models.ErrorResponse "Invalid input"
// @Failure 403 {object} models.ErrorResponse "Admins and teachers only"
// @Failure 409 {object} models.ErrorResponse "Template inactive"
// @Router /api/v1/bulk/plan [post]
func (h *Handler) PlanBulkDeployHandler(c *gin.Context) {
	req, strategy, ok := h.bindBulkDeploy(c)
	if !ok {
		return
	}
	plan, err := h.deployer.Plan(c.Request.Context(), req.TemplateID, req.Owners, strategy)
	if err != nil {
		log.Warnf("Bulk plan by '%s' for template '%s' failed: %v", c.GetString("username"), req.TemplateID, err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// @Summary Bulk Deploy
// @Description Deploys one instance of a template for each owner. Each deployment succeeds or fails on its own; successful ones are kept.
// @Tags Bulk
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param bulk_request body models.BulkDeployRequest true "Template, owners and optional strategy"
// @Success 200 {object} models.BulkDeployResponse
// @Failure 400 {object} models.ErrorResponse "Invalid input"
// @Failure 403 {object} models.ErrorResponse "Admins and teachers only"
// @Failure 404 {object} models.ErrorResponse "Template not found"
// @Failure 409 {object} models.ErrorResponse "Template inactive"
// @Router /api/v1/bulk/deploy [post]
func (h *Handler) BulkDeployHandler(c *gin.Context) {
	req, strategy, ok := h.bindBulkDeploy(c)
	if !ok {
		return
	}
	username := c.GetString("username")
	results, err := h.deployer.DeployMany(c.Request.Context(), req.TemplateID, req.Owners, strategy)
	if err != nil {
		log.Warnf("Bulk deploy by '%s' for template '%s' rejected: %v", username, req.TemplateID, err)
		writeError(c, err)
		return
	}

	resp := models.BulkDeployResponse{Results: results}
	for _, r := range results {
		if r.Error != "" {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}
	log.Infof("Bulk deploy by '%s': template '%s', %d succeeded, %d failed", username, req.TemplateID, resp.Succeeded, resp.Failed)
	c.JSON(http.StatusOK, resp)
}

// @Summary Bulk Delete
// @Description Deletes several instances. Each delete succeeds or fails on its own.
// @Tags Bulk
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param bulk_request body models.BulkDeleteRequest true "Instance IDs"
// @Success 200 {object} models.BulkDeleteResponse
// @Failure 400 {object} models.ErrorResponse "Invalid input"
// @Failure 403 {object} models.ErrorResponse "Admins and teachers only"
// @Router /api/v1/bulk/delete [post]
func (h *Handler) BulkDeleteHandler(c *gin.Context) {
	username := c.GetString("username")

	var req models.BulkDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Bulk delete by '%s': Invalid request body: %v", username, err)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}
	if len(req.InstanceIDs) == 0 || len(req.InstanceIDs) > maxBulkItems {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: fmt.Sprintf("instanceIds must list between 1 and %d instances", maxBulkItems)})
		return
	}
	for _, id := range req.InstanceIDs {
		if !isValidID(id) {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: fmt.Sprintf("Invalid instance id '%s'", id)})
			return
		}
	}

	results := h.deployer.DeleteMany(c.Request.Context(), req.InstanceIDs)
	resp := models.BulkDeleteResponse{Results: results}
	for _, r := range results {
		if r.Error != "" {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}
	log.Infof("Bulk delete by '%s': %d succeeded, %d failed", username, resp.Succeeded, resp.Failed)
	c.JSON(http.StatusOK, resp)
}
