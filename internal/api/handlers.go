package api

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/DogezRule/Management-Panel-Cyber/internal/auth"
	"github.com/DogezRule/Management-Panel-Cyber/internal/console"
	"github.com/DogezRule/Management-Panel-Cyber/internal/deploy"
	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/placement"
	"github.com/DogezRule/Management-Panel-Cyber/internal/pve"
)

// Version is reported by the health endpoint; set at build time.
var Version = "dev"

// Catalog is the administrative data the handlers read and write.
type Catalog interface {
	auth.UserStore
	SaveNode(ctx context.Context, n *models.Node) error
	GetNode(ctx context.Context, name string) (*models.Node, error)
	ListNodes(ctx context.Context) ([]models.Node, error)
	DeleteNode(ctx context.Context, name string) error
	SaveTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	ListTemplates(ctx context.Context) ([]models.Template, error)
	DeleteTemplate(ctx context.Context, id string) error
	ReplaceMappings(ctx context.Context, templateID string, mappings []models.TemplateNodeMapping) error
	MappingsForTemplate(ctx context.Context, templateID string) ([]models.TemplateNodeMapping, error)
	DeleteMapping(ctx context.Context, templateID, nodeName string) error
}

// Deployer provisions and operates instances.
type Deployer interface {
	DefaultStrategy() placement.Strategy
	Deploy(ctx context.Context, req deploy.Request) (*models.Instance, error)
	Get(ctx context.Context, id string) (*models.InstanceResponse, error)
	List(ctx context.Context, owner string) ([]models.InstanceResponse, error)
	Start(ctx context.Context, id string) (*models.Instance, error)
	Stop(ctx context.Context, id string) (*models.Instance, error)
	Refresh(ctx context.Context, id string) (*models.Instance, error)
	Delete(ctx context.Context, id string) error
	NodeStatistics(ctx context.Context) (models.NodeStatistics, error)
	Plan(ctx context.Context, templateID string, owners []string, strategy *placement.Strategy) ([]models.PlannedPlacement, error)
	DeployMany(ctx context.Context, templateID string, owners []string, strategy *placement.Strategy) ([]models.BulkDeployResult, error)
	DeleteMany(ctx context.Context, ids []string) []models.BulkDeleteResult
}

// Consoles opens and relays console sessions.
type Consoles interface {
	Open(ctx context.Context, p console.Principal, instanceID string, kind models.ConsoleKind) (*console.Session, error)
	Attach(ctx context.Context, sessionID string, p console.Principal, client console.Transport) error
	AttachDeadline(s *console.Session) time.Time
	Get(id string) (*console.Session, bool)
	List(p console.Principal) []models.ConsoleSessionInfo
	Terminate(id string) error
}

// ControlSessions exposes the pooled hypervisor sessions for inspection.
type ControlSessions interface {
	Sessions() []pve.SessionInfo
	Evict(node string)
}

// Handler holds the services the HTTP handlers delegate to.
type Handler struct {
	catalog   Catalog
	deployer  Deployer
	consoles  Consoles
	control   ControlSessions
	startTime time.Time
}

func NewHandler(catalog Catalog, deployer Deployer, consoles Consoles, control ControlSessions) *Handler {
	return &Handler{
		catalog:   catalog,
		deployer:  deployer,
		consoles:  consoles,
		control:   control,
		startTime: time.Now(),
	}
}

// @Summary Login
// @Description Authenticate user and return JWT token
// @Tags Auth
// @Accept json
// @Produce json
// @Param credentials body models.LoginRequest true "User Credentials"
// @Success 200 {object} models.LoginResponse
// @Failure 400 {object} models.ErrorResponse "Invalid input"
// @Failure 401 {object} models.ErrorResponse "Invalid credentials"
// @Failure 500 {object} models.ErrorResponse "Internal server error"
// @Router /login [post]
func (h *Handler) LoginHandler(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login failed: Invalid request body: %v", err)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}

	user, err := auth.ValidateCredentials(c.Request.Context(), h.catalog, req.Username, req.Password)
	if err != nil {
		log.Errorf("Login failed for user '%s': Error during credential validation: %v", req.Username, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Error validating credentials"})
		return
	}

	if user == nil {
		log.Infof("Login failed for user '%s': Invalid username or password", req.Username)
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid username or password"})
		return
	}

	token, err := auth.GenerateJWT(user.Username, user.Role)
	if err != nil {
		log.Errorf("Login successful for user '%s', but failed to generate token: %v", req.Username, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to generate token: " + err.Error()})
		return
	}

	log.Infof("User '%s' logged in successfully as %s", user.Username, user.Role)
	c.JSON(http.StatusOK, models.LoginResponse{Token: token, Role: user.Role})
}

// @Summary Health
// @Description Reports server status and uptime
// @Tags Health
// @Produce json
// @Success 200 {object} models.HealthResponse
// @Router /health [get]
func (h *Handler) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:    "healthy",
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		StartTime: h.startTime,
		Version:   Version,
	})
}
