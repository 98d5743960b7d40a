package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
	validator "gopkg.in/go-playground/validator.v9"
)

// ErrInvalidEnvironment is returned by CheckEnvironment when the host is not
// able to run composes with the loaded configuration.
var ErrInvalidEnvironment = errors.New("invalid compose environment")

type Config struct {
	Redis        string             `json:"redis" validate:"required"`
	Database     string             `json:"database" validate:"required"`
	Agent        string             `json:"agent"`
	Listen       string             `json:"listen"` // HTTP API and /metrics
	Koji         KojiConfig         `json:"koji"`
	Compose      ComposeConfig      `json:"compose"`
	Container    ContainerConfig    `json:"container"`
	Notification NotificationConfig `json:"notification"`
	Monitoring   MonitoringConfig   `json:"monitoring"`
	IsDev        bool               `json:"is_dev"`
}

type KojiConfig struct {
	Hub              string `json:"hub" validate:"required,url"` // https://koji.example.org/kojihub
	User             string `json:"user"`
	Password         string `json:"password"`
	TaskPollInterval int    `json:"task_poll_interval"` // seconds
}

type ComposeConfig struct {
	Workdir     string   `json:"workdir" validate:"required"`      // logs and updateinfo per compose
	Tool        string   `json:"tool" validate:"required"`         // /usr/bin/pungi-koji
	ConfigDir   string   `json:"config_dir" validate:"required"`   // holds <content>.<request>.conf
	StagingRoot string   `json:"staging_root" validate:"required"` // compose tool target dir
	PublishRoot string   `json:"publish_root" validate:"required"` // externally served location
	MaxParallel int      `json:"max_parallel" validate:"min=1"`
	Timeout     int      `json:"timeout"` // seconds, compose tool run
	Arches      []string `json:"arches" validate:"required,min=1"`
	Variant     string   `json:"variant"`
	ModifyRepo  string   `json:"modifyrepo"` // optional modifyrepo_c path

	SigningKey            string `json:"signing_key"`
	SignatureTimeout      int    `json:"signature_timeout"`
	SignaturePollInterval int    `json:"signature_poll_interval"`
	SyncURLTemplate       string `json:"sync_url_template"` // e.g. https://dl.example.org/{{.Release}}/{{.Request}}/{{.Arch}}/repodata/repomd.xml
	SyncTimeout           int    `json:"sync_timeout"`
	SyncPollInterval      int    `json:"sync_poll_interval"`
	MaxComposes           int    `json:"max_composes"` // finished composes kept in history
}

type ContainerConfig struct {
	Skopeo              string   `json:"skopeo"`
	SkopeoExtraArgs     []string `json:"skopeo_extra_args"`
	SourceRegistry      string   `json:"source_registry"`
	DestinationRegistry string   `json:"destination_registry"`
}

type NotificationConfig struct {
	WebhookURL  string `json:"webhook_url"`
	AMQPURL     string `json:"amqp_url"`
	Exchange    string `json:"exchange"`
	TopicPrefix string `json:"topic_prefix"`
}

type MonitoringConfig struct {
	Enabled           bool `json:"enabled"`
	InstanceTimeout   int  `json:"instance_timeout"`
	HeartbeatInterval int  `json:"heartbeat_interval"`
	CleanupInterval   int  `json:"cleanup_interval"`
}

var configPaths = []string{
	"/etc/irgsh/composer.yml",
	"../../utils/composer.yml",
	"./utils/composer.yml",
}

// LoadConfig loads the composer config from IRGSH_COMPOSER_CONFIG or the
// first readable predefined path.
func LoadConfig() (Config, error) {
	if path := os.Getenv("IRGSH_COMPOSER_CONFIG"); path != "" {
		return LoadConfigFromPath(path)
	}
	if os.Getenv("DEV") == "1" {
		return LoadConfigFromPath("./utils/composer.yml")
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return LoadConfigFromPath(path)
		}
	}
	return Config{}, fmt.Errorf("no config file found in %s", strings.Join(configPaths, ", "))
}

// LoadConfigFromPath loads, defaults and validates the config at path.
func LoadConfigFromPath(path string) (config Config, err error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config: %w", err)
	}
	logrus.Debugf("load config from: %s", path)
	return Parse(yamlFile, os.Getenv("DEV") == "1")
}

// Parse decodes a YAML document into a validated Config.
func Parse(data []byte, isDev bool) (config Config, err error) {
	if err = yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config: %w", err)
	}

	if isDev {
		// Since it's in dev env, let's move state paths to ./tmp
		cwd, _ := os.Getwd()
		tmpDir := filepath.Join(cwd, "tmp") + "/"
		if err := os.MkdirAll(tmpDir, 0755); err != nil {
			return config, err
		}
		config.Database = strings.ReplaceAll(config.Database, "/var/lib/", tmpDir)
		config.Compose.Workdir = strings.ReplaceAll(config.Compose.Workdir, "/var/lib/", tmpDir)
	}
	config.IsDev = isDev
	config.setDefaults()

	validate := validator.New()
	if err = validate.Struct(config); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func (c *Config) setDefaults() {
	if c.Agent == "" {
		c.Agent = "irgsh"
	}
	if c.Koji.TaskPollInterval <= 0 {
		c.Koji.TaskPollInterval = 5
	}
	if c.Compose.MaxParallel == 0 {
		c.Compose.MaxParallel = 3
	}
	if c.Compose.Timeout <= 0 {
		c.Compose.Timeout = 6 * 60 * 60
	}
	if c.Compose.Variant == "" {
		c.Compose.Variant = "Everything"
	}
	if c.Compose.SignatureTimeout <= 0 {
		c.Compose.SignatureTimeout = 2 * 60 * 60
	}
	if c.Compose.SignaturePollInterval <= 0 {
		c.Compose.SignaturePollInterval = 60
	}
	if c.Compose.SyncTimeout <= 0 {
		c.Compose.SyncTimeout = 4 * 60 * 60
	}
	if c.Compose.SyncPollInterval <= 0 {
		c.Compose.SyncPollInterval = 200
	}
	if c.Compose.MaxComposes <= 0 {
		c.Compose.MaxComposes = 500
	}
	if c.Container.Skopeo == "" {
		c.Container.Skopeo = "/usr/bin/skopeo"
	}
	if c.Notification.Exchange == "" {
		c.Notification.Exchange = "amq.topic"
	}
	if c.Notification.TopicPrefix == "" {
		c.Notification.TopicPrefix = "org.blankon.irgsh"
	}
	if c.Listen == "" {
		c.Listen = ":8084"
	}
	if c.Monitoring.InstanceTimeout <= 0 {
		c.Monitoring.InstanceTimeout = 90
	}
	if c.Monitoring.HeartbeatInterval <= 0 {
		c.Monitoring.HeartbeatInterval = 30
	}
	if c.Monitoring.CleanupInterval <= 0 {
		c.Monitoring.CleanupInterval = 3600
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c ComposeConfig) TimeoutDuration() time.Duration          { return seconds(c.Timeout) }
func (c ComposeConfig) SignatureTimeoutDuration() time.Duration { return seconds(c.SignatureTimeout) }
func (c ComposeConfig) SignaturePollDuration() time.Duration    { return seconds(c.SignaturePollInterval) }
func (c ComposeConfig) SyncTimeoutDuration() time.Duration      { return seconds(c.SyncTimeout) }
func (c ComposeConfig) SyncPollDuration() time.Duration         { return seconds(c.SyncPollInterval) }
func (c KojiConfig) TaskPollDuration() time.Duration            { return seconds(c.TaskPollInterval) }

// CheckEnvironment verifies that the compose tool and directories the
// composer writes to exist. Any failure here is a configuration error and
// must stop the process before a compose is attempted.
func CheckEnvironment(c Config) error {
	var problems []string

	info, err := os.Stat(c.Compose.Tool)
	switch {
	case err != nil:
		problems = append(problems, fmt.Sprintf("compose tool %s: %v", c.Compose.Tool, err))
	case info.IsDir() || info.Mode()&0111 == 0:
		problems = append(problems, fmt.Sprintf("compose tool %s is not executable", c.Compose.Tool))
	}

	for _, d := range []struct{ name, dir string }{
		{"config_dir", c.Compose.ConfigDir},
		{"staging_root", c.Compose.StagingRoot},
		{"publish_root", c.Compose.PublishRoot},
	} {
		name, dir := d.name, d.dir
		info, err := os.Stat(dir)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s %s: %v", name, dir, err))
			continue
		}
		if !info.IsDir() {
			problems = append(problems, fmt.Sprintf("%s %s is not a directory", name, dir))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEnvironment, strings.Join(problems, "; "))
	}
	return os.MkdirAll(c.Compose.Workdir, 0755)
}
