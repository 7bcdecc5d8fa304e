// internal/config/config.go
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	APIPort              string        `mapstructure:"API_PORT"`
	GinMode              string        `mapstructure:"GIN_MODE"`
	TrustedProxies       string        `mapstructure:"TRUSTED_PROXIES"`
	JWTSecret            string        `mapstructure:"JWT_SECRET"`
	JWTExpirationMinutes time.Duration `mapstructure:"JWT_EXPIRATION_MINUTES"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	TLSEnable            bool          `mapstructure:"TLS_ENABLE"`
	TLSCertFile          string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile           string        `mapstructure:"TLS_KEY_FILE"`
	MetricsEnable        bool          `mapstructure:"METRICS_ENABLE"`

	AdminUsername string `mapstructure:"ADMIN_USERNAME"`
	AdminPassword string `mapstructure:"ADMIN_PASSWORD"`

	DBPath        string `mapstructure:"DB_PATH"`
	InventoryFile string `mapstructure:"INVENTORY_FILE"`

	// --- Proxmox control plane ---
	PVEUser           string        `mapstructure:"PVE_USER"`
	PVEPassword       string        `mapstructure:"PVE_PASSWORD"`
	PVEInsecureTLS    bool          `mapstructure:"PVE_INSECURE_TLS"`
	PVETicketLifetime time.Duration `mapstructure:"PVE_TICKET_LIFETIME_MINUTES"`
	PVERefreshMargin  time.Duration `mapstructure:"PVE_TICKET_REFRESH_MARGIN_MINUTES"`
	PVEMaxAttempts    int           `mapstructure:"PVE_MAX_ATTEMPTS"`
	PVEBackoffInitial time.Duration `mapstructure:"PVE_BACKOFF_INITIAL_MS"`
	PVEBackoffMax     time.Duration `mapstructure:"PVE_BACKOFF_MAX_MS"`
	PVERequestTimeout time.Duration `mapstructure:"PVE_REQUEST_TIMEOUT_SECONDS"`
	PVESessionIdle    time.Duration `mapstructure:"PVE_SESSION_IDLE_MINUTES"`
	PVETaskTimeout    time.Duration `mapstructure:"PVE_TASK_TIMEOUT_SECONDS"`
	PVEConsoleTicket  time.Duration `mapstructure:"PVE_CONSOLE_TICKET_SECONDS"`

	// --- Deployment ---
	NodeSelectionStrategy string        `mapstructure:"NODE_SELECTION_STRATEGY"`
	DefaultMaxInstances   int           `mapstructure:"DEFAULT_MAX_INSTANCES"`
	UseLinkedClones       bool          `mapstructure:"USE_LINKED_CLONES"`
	StartAfterClone       bool          `mapstructure:"START_AFTER_CLONE"`
	DefaultVMStorage      string        `mapstructure:"DEFAULT_VM_STORAGE"`
	VMIDAllocationTimeout time.Duration `mapstructure:"VMID_ALLOCATION_TIMEOUT_SECONDS"`
	BulkDeployParallelism int           `mapstructure:"BULK_DEPLOY_PARALLELISM"`

	// --- Console relay ---
	ConsoleAttachTimeout   time.Duration `mapstructure:"CONSOLE_ATTACH_TIMEOUT_SECONDS"`
	ConsoleTeardownTimeout time.Duration `mapstructure:"CONSOLE_TEARDOWN_TIMEOUT_SECONDS"`
	ConsoleCleanupTick     time.Duration `mapstructure:"CONSOLE_CLEANUP_TICK_SECONDS"`
	ConsoleMaxDuration     time.Duration `mapstructure:"CONSOLE_MAX_DURATION_MINUTES"`

	// --- Events ---
	NATSURL     string `mapstructure:"NATS_URL"`
	NATSSubject string `mapstructure:"NATS_SUBJECT"`
}

var AppConfig Config

func LoadConfig() error {
	viper.SetConfigFile(".env") // Look for .env file
	viper.AutomaticEnv()       // Read from environment variables as fallback/override

	setDefaults()

	err := viper.ReadInConfig()
	// Ignore if .env file not found, rely on defaults/env vars
	if _, ok := err.(viper.ConfigFileNotFoundError); !ok && err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	err = viper.Unmarshal(&AppConfig)
	if err != nil {
		return err
	}

	// Values are configured as plain numbers in their named unit
	AppConfig.JWTExpirationMinutes *= time.Minute
	AppConfig.PVETicketLifetime *= time.Minute
	AppConfig.PVERefreshMargin *= time.Minute
	AppConfig.PVEBackoffInitial *= time.Millisecond
	AppConfig.PVEBackoffMax *= time.Millisecond
	AppConfig.PVERequestTimeout *= time.Second
	AppConfig.PVESessionIdle *= time.Minute
	AppConfig.PVETaskTimeout *= time.Second
	AppConfig.PVEConsoleTicket *= time.Second
	AppConfig.VMIDAllocationTimeout *= time.Second
	AppConfig.ConsoleAttachTimeout *= time.Second
	AppConfig.ConsoleTeardownTimeout *= time.Second
	AppConfig.ConsoleCleanupTick *= time.Second
	AppConfig.ConsoleMaxDuration *= time.Minute

	return nil
}

func setDefaults() {
	viper.SetDefault("API_PORT", "8080")
	viper.SetDefault("GIN_MODE", "debug")
	viper.SetDefault("TRUSTED_PROXIES", "")
	viper.SetDefault("JWT_SECRET", "default_secret_change_me")
	viper.SetDefault("JWT_EXPIRATION_MINUTES", 60)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("TLS_ENABLE", false) // Disabled by default
	viper.SetDefault("TLS_CERT_FILE", "")
	viper.SetDefault("TLS_KEY_FILE", "")
	viper.SetDefault("METRICS_ENABLE", true)

	viper.SetDefault("ADMIN_USERNAME", "admin")
	viper.SetDefault("ADMIN_PASSWORD", "")

	viper.SetDefault("DB_PATH", "./data/badger")
	viper.SetDefault("INVENTORY_FILE", "")

	viper.SetDefault("PVE_USER", "root@pam")
	viper.SetDefault("PVE_PASSWORD", "")
	viper.SetDefault("PVE_INSECURE_TLS", true) // Proxmox ships self-signed certs
	viper.SetDefault("PVE_TICKET_LIFETIME_MINUTES", 120)
	viper.SetDefault("PVE_TICKET_REFRESH_MARGIN_MINUTES", 5)
	viper.SetDefault("PVE_MAX_ATTEMPTS", 4)
	viper.SetDefault("PVE_BACKOFF_INITIAL_MS", 250)
	viper.SetDefault("PVE_BACKOFF_MAX_MS", 5000)
	viper.SetDefault("PVE_REQUEST_TIMEOUT_SECONDS", 30)
	viper.SetDefault("PVE_SESSION_IDLE_MINUTES", 30)
	viper.SetDefault("PVE_TASK_TIMEOUT_SECONDS", 300)
	viper.SetDefault("PVE_CONSOLE_TICKET_SECONDS", 40)

	viper.SetDefault("NODE_SELECTION_STRATEGY", "least_vms")
	viper.SetDefault("DEFAULT_MAX_INSTANCES", 12)
	viper.SetDefault("USE_LINKED_CLONES", true)
	viper.SetDefault("START_AFTER_CLONE", true)
	viper.SetDefault("DEFAULT_VM_STORAGE", "local-lvm")
	viper.SetDefault("VMID_ALLOCATION_TIMEOUT_SECONDS", 60)
	viper.SetDefault("BULK_DEPLOY_PARALLELISM", 4)

	viper.SetDefault("CONSOLE_ATTACH_TIMEOUT_SECONDS", 30)
	viper.SetDefault("CONSOLE_TEARDOWN_TIMEOUT_SECONDS", 5)
	viper.SetDefault("CONSOLE_CLEANUP_TICK_SECONDS", 10)
	viper.SetDefault("CONSOLE_MAX_DURATION_MINUTES", 240)

	viper.SetDefault("NATS_URL", "")
	viper.SetDefault("NATS_SUBJECT", "labs.instances.events")
}

// NodeCredentials returns the Proxmox login for a node's credentials reference.
// PVE_CRED_<REF>_USER / PVE_CRED_<REF>_PASSWORD override the global PVE_USER / PVE_PASSWORD.
func NodeCredentials(ref string) (username, password string) {
	username, password = AppConfig.PVEUser, AppConfig.PVEPassword
	if ref == "" {
		return username, password
	}
	key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(ref))
	if u := viper.GetString("PVE_CRED_" + key + "_USER"); u != "" {
		username = u
	}
	if p := viper.GetString("PVE_CRED_" + key + "_PASSWORD"); p != "" {
		password = p
	}
	return username, password
}

