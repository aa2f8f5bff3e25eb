// Package config loads service configuration: a YAML file for the stable
// shape, environment variables layered on top for deployment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Duel      DuelConfig      `yaml:"duel"`
	Live      LiveConfig      `yaml:"live"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Tasks     TasksConfig     `yaml:"tasks"`
}

type ServerConfig struct {
	Port       string `yaml:"port"`
	Env        string `yaml:"env"`
	CronSecret string `yaml:"cron_secret"` // bcrypt hash of the shared cron secret
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DuelConfig struct {
	TurnDeadline        time.Duration `yaml:"turn_deadline"`
	MaxVideoDurationMs  int           `yaml:"max_video_duration_ms"`
	MaxTrickDescription int           `yaml:"max_trick_description"`
	GameHardCap         time.Duration `yaml:"game_hard_cap"`
	WarningCooldown     time.Duration `yaml:"warning_cooldown"`
	TrustedVideoHosts   []string      `yaml:"trusted_video_hosts"`
}

type LiveConfig struct {
	MaxPlayers          int           `yaml:"max_players"`
	TurnDeadline        time.Duration `yaml:"turn_deadline"`
	ReconnectWindow     time.Duration `yaml:"reconnect_window"`
	MaxTrickDescription int           `yaml:"max_trick_description"`
}

type SweepConfig struct {
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batch_size"`
	WarnWindow   time.Duration `yaml:"warn_window"`
	RetentionAge time.Duration `yaml:"retention_age"`
}

type AnalyticsConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type TasksConfig struct {
	Project    string `yaml:"project"`
	Location   string `yaml:"location"`
	Queue      string `yaml:"queue"`
	TargetBase string `yaml:"target_base"`
}

// Defaults returns the production defaults; Load layers file and env on top.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Duel: DuelConfig{
			TurnDeadline:        24 * time.Hour,
			MaxVideoDurationMs:  15000,
			MaxTrickDescription: 500,
			GameHardCap:         7 * 24 * time.Hour,
			WarningCooldown:     30 * time.Minute,
		},
		Live: LiveConfig{
			MaxPlayers:          8,
			TurnDeadline:        time.Minute,
			ReconnectWindow:     2 * time.Minute,
			MaxTrickDescription: 200,
		},
		Sweep: SweepConfig{
			Interval:     30 * time.Second,
			BatchSize:    100,
			WarnWindow:   time.Hour,
			RetentionAge: 90 * 24 * time.Hour,
		},
	}
}

// Load reads the YAML file if path is non-empty, then applies environment
// overrides. A missing file is not an error; env-only deployments are fine.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "PORT")
	setStr(&c.Server.Env, "SKATE_ENV")
	setStr(&c.Server.CronSecret, "CRON_SECRET_HASH")
	setStr(&c.Database.URL, "DATABASE_URL")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setDur(&c.Duel.TurnDeadline, "TURN_DEADLINE")
	setInt(&c.Duel.MaxVideoDurationMs, "MAX_VIDEO_DURATION_MS")
	setDur(&c.Duel.GameHardCap, "GAME_HARD_CAP")
	setDur(&c.Duel.WarningCooldown, "DEADLINE_WARNING_COOLDOWN")
	if v := os.Getenv("TRUSTED_VIDEO_HOSTS"); v != "" {
		hosts := strings.Split(v, ",")
		for i := range hosts {
			hosts[i] = strings.TrimSpace(hosts[i])
		}
		c.Duel.TrustedVideoHosts = hosts
	}

	setInt(&c.Live.MaxPlayers, "LIVE_MAX_PLAYERS")
	setDur(&c.Live.TurnDeadline, "LIVE_TURN_DEADLINE")
	setDur(&c.Live.ReconnectWindow, "RECONNECT_WINDOW")

	setDur(&c.Sweep.Interval, "SWEEP_INTERVAL")
	setInt(&c.Sweep.BatchSize, "SWEEP_BATCH_SIZE")
	setDur(&c.Sweep.RetentionAge, "RETENTION_AGE")

	setStr(&c.Analytics.PubSubProject, "PUBSUB_PROJECT_ID")
	setStr(&c.Analytics.PubSubTopic, "PUBSUB_TOPIC_ID")

	setStr(&c.Tasks.Project, "CLOUDTASKS_PROJECT_ID")
	setStr(&c.Tasks.Location, "CLOUDTASKS_LOCATION")
	setStr(&c.Tasks.Queue, "CLOUDTASKS_QUEUE")
	setStr(&c.Tasks.TargetBase, "CLOUDTASKS_TARGET_BASE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
