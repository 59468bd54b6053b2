package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Logging     LoggingConfig     `toml:"logging"`
	Storage     StorageConfig     `toml:"storage"`
	Evidence    EvidenceConfig    `toml:"evidence"`
	Execution   ExecutionConfig   `toml:"execution"`
	Pacing      PacingConfig      `toml:"pacing"`
	Provisioner ProvisionerConfig `toml:"provisioner"`
	Target      TargetConfig      `toml:"target"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Campaigns   []CampaignConfig  `toml:"campaigns" validate:"dive"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Output     []string `toml:"output"`      // "stdout", "console", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
	Dir        string   `toml:"dir"`         // Log directory (default: ./logs next to the executable)
}

type StorageConfig struct {
	Type   string       `toml:"type" validate:"oneof=badger sqlite"` // Isolated mode requires "sqlite"
	Badger BadgerConfig `toml:"badger"`
	SQLite SQLiteConfig `toml:"sqlite"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
	CacheSizeMB   int    `toml:"cache_size_mb"`
	WALMode       bool   `toml:"wal_mode"`
}

type EvidenceConfig struct {
	Dir string `toml:"dir"` // Screenshots are written under <dir>/<resource>/<run timestamp>/
}

type ExecutionConfig struct {
	Mode               string `toml:"mode" validate:"oneof=inprocess isolated"`
	WorkerBinary       string `toml:"worker_binary"`        // Defaults to the running executable
	RecordPollInterval string `toml:"record_poll_interval"` // How often the orchestrator re-reads isolated run records
	Retention          string `toml:"retention"`            // How long terminal sessions stay queryable
	SweepSchedule      string `toml:"sweep_schedule"`       // Cron schedule for evicting expired sessions
	OperationTimeout   string `toml:"operation_timeout"`    // Per handle operation timeout
	StopGrace          string `toml:"stop_grace"`           // Isolated mode: time a stopped worker gets before it is killed
}

// PacingConfig bounds the randomized delays between actions.
// Item delays separate sub-actions inside a behavior; behavior delays separate
// behaviors and groups created in create_groups.
type PacingConfig struct {
	ItemDelayMin     string `toml:"item_delay_min"`
	ItemDelayMax     string `toml:"item_delay_max"`
	BehaviorDelayMin string `toml:"behavior_delay_min"`
	BehaviorDelayMax string `toml:"behavior_delay_max"`
	ViewDwellMin     string `toml:"view_dwell_min"` // Time spent on an item in view_content
	ViewDwellMax     string `toml:"view_dwell_max"`
}

type ProvisionerConfig struct {
	Type           string   `toml:"type" validate:"oneof=remote local"` // remote = profile API, local = launch chrome
	BaseURL        string   `toml:"base_url"`                           // Profile API base URL
	APIKey         string   `toml:"api_key"`
	StartPath      string   `toml:"start_path"`     // GET, resource id passed as ?user_id=
	StopPath       string   `toml:"stop_path"`      // GET, resource id passed as ?user_id=
	SuccessPath    string   `toml:"success_path"`   // JSON path that must equal SuccessValue
	SuccessValue   string   `toml:"success_value"`
	WSPath         string   `toml:"ws_path"`        // JSON path of the devtools websocket URL
	MessagePath    string   `toml:"message_path"`   // JSON path of the error message
	RateLimit      int      `toml:"rate_limit"`     // Requests per second against the profile API
	RequestTimeout string   `toml:"request_timeout"`
	Headless       bool     `toml:"headless"`      // local only
	UserDataDir    string   `toml:"user_data_dir"` // local only, one sub directory per resource
	ChromeFlags    []string `toml:"chrome_flags"`  // local only, "name=value" or "name"
}

// BehaviorTargetConfig describes where a behavior runs and what it clicks
type BehaviorTargetConfig struct {
	Path           string                `toml:"path"`            // Target view, relative to target.base_url
	AcceptPaths    []string              `toml:"accept_paths"`    // Current locations that avoid navigation
	Selectors      []interfaces.Selector `toml:"selectors"`       // Selector-fallback chain for actionable elements
	ScrollEvery    int                   `toml:"scroll_every"`    // Extra scroll after every Nth activation
	ScrollDistance int                   `toml:"scroll_distance"` // Pixels per extra scroll
}

// CreateGroupsConfig describes both group creation paths
type CreateGroupsConfig struct {
	Path             string                `toml:"path"`
	AcceptPaths      []string              `toml:"accept_paths"`
	NameTemplates    []string              `toml:"name_templates"` // {n} is replaced with the group number
	Privacy          string                `toml:"privacy"`
	MutationEnabled  bool                  `toml:"mutation_enabled"`
	MutationURL      string                `toml:"mutation_url"`       // Relative to target.base_url
	MutationDocID    string                `toml:"mutation_doc_id"`    // Request document identifier
	TokenSelector    string                `toml:"token_selector"`     // Input holding the page's request token
	TokenField       string                `toml:"token_field"`        // Form field the token is posted as
	ResponseIDPath   string                `toml:"response_id_path"`   // JSON path of the new group id
	NameInputs       []interfaces.Selector `toml:"name_inputs"`        // UI path: name field chain
	SubmitButtons    []interfaces.Selector `toml:"submit_buttons"`     // UI path: submit button chain
	SuccessURLPrefix string                `toml:"success_url_prefix"` // UI path: location after success
	SubmitWait       string                `toml:"submit_wait"`
}

type TargetConfig struct {
	BaseURL        string                `toml:"base_url"`
	HomePath       string                `toml:"home_path"`
	LoginSelectors []interfaces.Selector `toml:"login_selectors"` // Any match means the profile is logged out
	AuthCheck      bool                  `toml:"auth_check"`      // Probe the login selectors before the first behavior
	JoinGroups     BehaviorTargetConfig  `toml:"join_groups"`
	LikeContent    BehaviorTargetConfig  `toml:"like_content"`
	AddFriends     BehaviorTargetConfig  `toml:"add_friends"`
	ViewContent    BehaviorTargetConfig  `toml:"view_content"`
	CreateGroups   CreateGroupsConfig    `toml:"create_groups"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"` // e.g. ":9309"; empty disables the listener
}

// CampaignConfig schedules sessions for a set of resources
type CampaignConfig struct {
	Name      string         `toml:"name" validate:"required"`
	Schedule  string         `toml:"schedule" validate:"required"`
	Enabled   bool           `toml:"enabled"`
	OwnerID   string         `toml:"owner_id" validate:"required"`
	Resources []string       `toml:"resources" validate:"required,min=1,dive,required"`
	Behaviors map[string]int `toml:"behaviors"` // behavior name -> count
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path: "./data/badger",
			},
			SQLite: SQLiteConfig{
				Path:          "./data/autopilot.db",
				BusyTimeoutMS: 5000,
				CacheSizeMB:   16,
				WALMode:       true,
			},
		},
		Evidence: EvidenceConfig{
			Dir: "./data/evidence",
		},
		Execution: ExecutionConfig{
			Mode:               string(models.ExecutionModeInProcess),
			RecordPollInterval: "2s",
			Retention:          "5m",
			SweepSchedule:      "@every 1m",
			OperationTimeout:   "45s",
			StopGrace:          "2m",
		},
		Pacing: PacingConfig{
			ItemDelayMin:     "1500ms",
			ItemDelayMax:     "4s",
			BehaviorDelayMin: "30s",
			BehaviorDelayMax: "60s",
			ViewDwellMin:     "3s",
			ViewDwellMax:     "8s",
		},
		Provisioner: ProvisionerConfig{
			Type:           "remote",
			BaseURL:        "http://local.adspower.net:50325",
			StartPath:      "/api/v1/browser/start",
			StopPath:       "/api/v1/browser/stop",
			SuccessPath:    "code",
			SuccessValue:   "0",
			WSPath:         "data.ws.puppeteer",
			MessagePath:    "msg",
			RateLimit:      1,
			RequestTimeout: "60s",
			Headless:       false,
			UserDataDir:    "./data/profiles",
		},
		Target:  defaultTargetConfig(),
		Metrics: MetricsConfig{},
	}
}

func defaultTargetConfig() TargetConfig {
	return TargetConfig{
		BaseURL:   "https://www.facebook.com",
		HomePath:  "/",
		AuthCheck: true,
		LoginSelectors: []interfaces.Selector{
			{Name: "login_form", CSS: `form[data-testid="royal_login_form"], form#login_form`},
			{Name: "password_input", CSS: `input[name="pass"]`},
		},
		JoinGroups: BehaviorTargetConfig{
			Path:        "/groups/discover",
			AcceptPaths: []string{"/groups/discover", "/groups/feed"},
			Selectors: []interfaces.Selector{
				{Name: "aria_join", CSS: `[role="button"][aria-label]`, AriaLabel: []string{"Join group"}},
				{Name: "text_join", CSS: `[role="button"]`, Text: []string{"Join group", "Join"}},
				{Name: "button_join", CSS: `button`, Text: []string{"Join"}},
			},
			ScrollEvery:    3,
			ScrollDistance: 800,
		},
		LikeContent: BehaviorTargetConfig{
			Path:        "/",
			AcceptPaths: []string{"/", "/home.php", "/?sk=h_chr"},
			Selectors: []interfaces.Selector{
				{Name: "aria_like", CSS: `[role="button"][aria-label]`, AriaLabel: []string{"Like"}},
				{Name: "text_like", CSS: `[role="button"]`, Text: []string{"Like"}},
			},
			ScrollEvery:    2,
			ScrollDistance: 900,
		},
		AddFriends: BehaviorTargetConfig{
			Path:        "/friends/suggestions",
			AcceptPaths: []string{"/friends/suggestions", "/friends"},
			Selectors: []interfaces.Selector{
				{Name: "aria_add_friend", CSS: `[role="button"][aria-label]`, AriaLabel: []string{"Add friend", "Add Friend"}},
				{Name: "text_add_friend", CSS: `[role="button"]`, Text: []string{"Add friend", "Add Friend"}},
			},
			ScrollEvery:    3,
			ScrollDistance: 700,
		},
		ViewContent: BehaviorTargetConfig{
			Path:        "/watch",
			AcceptPaths: []string{"/watch"},
			Selectors: []interfaces.Selector{
				{Name: "articles", CSS: `[role="article"]`},
				{Name: "video_links", CSS: `a[href*="/watch/?v="], a[href*="/videos/"]`},
			},
			ScrollEvery:    2,
			ScrollDistance: 1000,
		},
		CreateGroups: CreateGroupsConfig{
			Path:            "/groups/create",
			AcceptPaths:     []string{"/groups/create"},
			NameTemplates:   []string{"Community {n}"},
			Privacy:         "PUBLIC",
			MutationEnabled: true,
			MutationURL:     "/api/graphql/",
			MutationDocID:   "",
			TokenSelector:   `input[name="fb_dtsg"]`,
			TokenField:      "fb_dtsg",
			ResponseIDPath:  "data.group_create.group.id",
			NameInputs: []interfaces.Selector{
				{Name: "aria_name", CSS: `input[aria-label]`, AriaLabel: []string{"Group name"}},
				{Name: "text_input", CSS: `input[type="text"]`},
			},
			SubmitButtons: []interfaces.Selector{
				{Name: "aria_create", CSS: `[role="button"][aria-label]`, AriaLabel: []string{"Create"}},
				{Name: "text_create", CSS: `[role="button"], button`, Text: []string{"Create"}},
			},
			SuccessURLPrefix: "/groups/",
			SubmitWait:       "5s",
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> files (in order) -> env.
// Later files override earlier files. CLI overrides are applied by the caller.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

func applyEnvOverrides(config *Config) {
	if env := os.Getenv("AUTOPILOT_ENV"); env != "" {
		config.Environment = env
	}

	if level := os.Getenv("AUTOPILOT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("AUTOPILOT_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if storageType := os.Getenv("AUTOPILOT_STORAGE_TYPE"); storageType != "" {
		config.Storage.Type = storageType
	}
	if badgerPath := os.Getenv("AUTOPILOT_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if sqlitePath := os.Getenv("AUTOPILOT_SQLITE_PATH"); sqlitePath != "" {
		config.Storage.SQLite.Path = sqlitePath
	}
	if evidenceDir := os.Getenv("AUTOPILOT_EVIDENCE_DIR"); evidenceDir != "" {
		config.Evidence.Dir = evidenceDir
	}

	if mode := os.Getenv("AUTOPILOT_EXECUTION_MODE"); mode != "" {
		config.Execution.Mode = mode
	}
	if retention := os.Getenv("AUTOPILOT_RETENTION"); retention != "" {
		config.Execution.Retention = retention
	}

	if provisionerURL := os.Getenv("AUTOPILOT_PROVISIONER_URL"); provisionerURL != "" {
		config.Provisioner.BaseURL = provisionerURL
	}
	if apiKey := os.Getenv("AUTOPILOT_PROVISIONER_API_KEY"); apiKey != "" {
		config.Provisioner.APIKey = apiKey
	}
	if rateLimit := os.Getenv("AUTOPILOT_PROVISIONER_RATE_LIMIT"); rateLimit != "" {
		if r, err := strconv.Atoi(rateLimit); err == nil {
			config.Provisioner.RateLimit = r
		}
	}

	if targetURL := os.Getenv("AUTOPILOT_TARGET_URL"); targetURL != "" {
		config.Target.BaseURL = targetURL
	}
	if metricsAddr := os.Getenv("AUTOPILOT_METRICS_ADDR"); metricsAddr != "" {
		config.Metrics.Addr = metricsAddr
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, mode string, logLevel string) {
	if mode != "" {
		config.Execution.Mode = mode
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
}

// Validate checks struct tags, duration strings, pacing bounds, campaign
// schedules and mode/storage compatibility
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for name, value := range map[string]string{
		"execution.record_poll_interval":   c.Execution.RecordPollInterval,
		"execution.retention":              c.Execution.Retention,
		"execution.operation_timeout":      c.Execution.OperationTimeout,
		"execution.stop_grace":             c.Execution.StopGrace,
		"provisioner.request_timeout":      c.Provisioner.RequestTimeout,
		"target.create_groups.submit_wait": c.Target.CreateGroups.SubmitWait,
	} {
		if _, err := ParseDuration(value, 0); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if _, _, err := c.Pacing.ItemRange(); err != nil {
		return fmt.Errorf("invalid pacing item delay: %w", err)
	}
	if _, _, err := c.Pacing.BehaviorRange(); err != nil {
		return fmt.Errorf("invalid pacing behavior delay: %w", err)
	}
	if _, _, err := c.Pacing.DwellRange(); err != nil {
		return fmt.Errorf("invalid pacing view dwell: %w", err)
	}

	if c.Execution.Mode == string(models.ExecutionModeIsolated) && c.Storage.Type != "sqlite" {
		return fmt.Errorf("execution mode %q requires storage type \"sqlite\" (the worker shares the database file)", c.Execution.Mode)
	}

	if _, err := cron.ParseStandard(c.Execution.SweepSchedule); err != nil {
		return fmt.Errorf("invalid execution.sweep_schedule: %w", err)
	}

	for _, campaign := range c.Campaigns {
		if err := ValidateCampaignSchedule(campaign.Schedule); err != nil {
			return fmt.Errorf("campaign %s: %w", campaign.Name, err)
		}
		for name := range campaign.Behaviors {
			if !models.BehaviorName(name).IsValid() {
				return fmt.Errorf("campaign %s: unknown behavior %q", campaign.Name, name)
			}
		}
	}

	return nil
}

// ValidateCampaignSchedule validates a cron schedule expression and ensures a
// minimum 5-minute interval. Whole sessions run for many minutes, so tighter
// schedules only produce AlreadyRunning rejections.
func ValidateCampaignSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]
	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}
	if strings.HasPrefix(minuteField, "*/") {
		interval, err := strconv.Atoi(strings.TrimPrefix(minuteField, "*/"))
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// ParseDuration parses s, returning fallback when s is empty
func ParseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}

// MustDuration parses a duration that Validate has already checked
func MustDuration(s string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(s, fallback)
	if err != nil {
		return fallback
	}
	return d
}

func parseRange(minStr, maxStr string) (time.Duration, time.Duration, error) {
	minD, err := ParseDuration(minStr, 0)
	if err != nil {
		return 0, 0, err
	}
	maxD, err := ParseDuration(maxStr, minD)
	if err != nil {
		return 0, 0, err
	}
	if maxD < minD {
		return 0, 0, fmt.Errorf("max %s is below min %s", maxD, minD)
	}
	return minD, maxD, nil
}

// ItemRange returns the item delay bounds
func (p PacingConfig) ItemRange() (time.Duration, time.Duration, error) {
	return parseRange(p.ItemDelayMin, p.ItemDelayMax)
}

// BehaviorRange returns the behavior-to-behavior delay bounds
func (p PacingConfig) BehaviorRange() (time.Duration, time.Duration, error) {
	return parseRange(p.BehaviorDelayMin, p.BehaviorDelayMax)
}

// DwellRange returns the view_content dwell bounds
func (p PacingConfig) DwellRange() (time.Duration, time.Duration, error) {
	return parseRange(p.ViewDwellMin, p.ViewDwellMax)
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// URL joins a target path onto the target base URL
func (t TargetConfig) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(t.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
