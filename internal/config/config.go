package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"ensemble/director/internal/floor"
	"ensemble/director/internal/logging"
)

var log = logging.NewLogger("ensemble.config")

type Config struct {
	Server struct {
		Port     string
		LogLevel string
		LogJSON  bool
		GRPCAddr string
	}
	Worker struct {
		TokenSecret   string
		TokenSkewSecs int
		TokenTTLMin   int
		// Cmd, when set, lets the director launch a local worker per session.
		Cmd       string
		PublicURL string
	}
	Ensemble struct {
		Enabled        bool
		Threshold      float64
		Talkativeness  float64
		MaxTurns       int
		SettleDelay    time.Duration
		CharactersFile string
	}
	// File is the config file that was read, empty when running from env only.
	File string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := floor.DefaultSettings()
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_json", false)
	v.SetDefault("server.grpc_addr", ":9090")

	v.SetDefault("worker.token_skew_secs", 30)
	v.SetDefault("worker.token_ttl_min", 60)
	v.SetDefault("worker.public_url", "ws://localhost:8080/ws/worker")

	v.SetDefault("ensemble.enabled", def.Enabled)
	v.SetDefault("ensemble.threshold", def.Threshold)
	v.SetDefault("ensemble.talkativeness", def.Talkativeness)
	v.SetDefault("ensemble.max_turns", def.MaxTurns)
	v.SetDefault("ensemble.settle_delay", "1s")

	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_json", "LOG_JSON")
	_ = v.BindEnv("server.grpc_addr", "GRPC_ADDR")

	_ = v.BindEnv("worker.token_secret", "WORKER_TOKEN_SECRET")
	_ = v.BindEnv("worker.token_skew_secs", "WORKER_TOKEN_SKEW_SECS")
	_ = v.BindEnv("worker.token_ttl_min", "WORKER_TOKEN_TTL_MIN")
	_ = v.BindEnv("worker.cmd", "WORKER_CMD")
	_ = v.BindEnv("worker.public_url", "WORKER_WS_URL")

	_ = v.BindEnv("ensemble.enabled", "ENSEMBLE_ENABLED")
	_ = v.BindEnv("ensemble.threshold", "ENSEMBLE_THRESHOLD")
	_ = v.BindEnv("ensemble.talkativeness", "ENSEMBLE_TALKATIVENESS")
	_ = v.BindEnv("ensemble.max_turns", "ENSEMBLE_MAX_TURNS")
	_ = v.BindEnv("ensemble.settle_delay", "ENSEMBLE_SETTLE_DELAY")
	_ = v.BindEnv("ensemble.characters_file", "ENSEMBLE_CHARACTERS_FILE")
	_ = v.BindEnv("config", "ENSEMBLE_CONFIG")
	return v
}

// Load reads defaults, the environment and, when path (or ENSEMBLE_CONFIG) names one,
// a YAML config file.
func Load(path string) (Config, error) {
	v, err := open(path)
	if err != nil {
		return Config{}, err
	}
	c := decode(v)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	log.WithField("port", c.Server.Port).WithField("file", c.File).Info("config loaded")
	return c, nil
}

func open(path string) (*viper.Viper, error) {
	v := newViper()
	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) Config {
	var c Config
	c.Server.Port = fmt.Sprint(v.Get("server.port"))
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.LogJSON = v.GetBool("server.log_json")
	c.Server.GRPCAddr = v.GetString("server.grpc_addr")

	c.Worker.TokenSecret = v.GetString("worker.token_secret")
	c.Worker.TokenSkewSecs = v.GetInt("worker.token_skew_secs")
	c.Worker.TokenTTLMin = v.GetInt("worker.token_ttl_min")
	c.Worker.Cmd = v.GetString("worker.cmd")
	c.Worker.PublicURL = v.GetString("worker.public_url")

	c.Ensemble.Enabled = v.GetBool("ensemble.enabled")
	c.Ensemble.Threshold = v.GetFloat64("ensemble.threshold")
	c.Ensemble.Talkativeness = v.GetFloat64("ensemble.talkativeness")
	c.Ensemble.MaxTurns = v.GetInt("ensemble.max_turns")
	c.Ensemble.SettleDelay = v.GetDuration("ensemble.settle_delay")
	c.Ensemble.CharactersFile = v.GetString("ensemble.characters_file")
	c.File = v.ConfigFileUsed()
	return c
}

var (
	ErrTalkativeness = errors.New("ensemble.talkativeness must be > 0")
	ErrMaxTurns      = errors.New("ensemble.max_turns must be >= 0")
)

func (c Config) Validate() error {
	if c.Ensemble.Talkativeness <= 0 {
		return ErrTalkativeness
	}
	if c.Ensemble.MaxTurns < 0 {
		return ErrMaxTurns
	}
	return nil
}

// Scheduler returns the scheduler settings carried by the config.
func (c Config) Scheduler() floor.Settings {
	return floor.Settings{
		Enabled:       c.Ensemble.Enabled,
		Threshold:     c.Ensemble.Threshold,
		Talkativeness: c.Ensemble.Talkativeness,
		MaxTurns:      c.Ensemble.MaxTurns,
	}
}

// Live holds the current config and re-reads the config file when it changes on disk.
// An edit that fails validation is logged and the previous config stays in effect.
type Live struct {
	mu  sync.RWMutex
	cur Config
	v   *viper.Viper

	onChange []func(Config)
}

func NewLive(path string) (*Live, error) {
	v, err := open(path)
	if err != nil {
		return nil, err
	}
	c := decode(v)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &Live{cur: c, v: v}, nil
}

// Watch starts following the config file. It is a no-op without one.
func (l *Live) Watch() {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) { l.reload(e.Name) })
	l.v.WatchConfig()
}

func (l *Live) reload(name string) {
	c := decode(l.v)
	if err := c.Validate(); err != nil {
		log.WithError(err).WithField("file", name).Warn("ignoring invalid config change")
		return
	}
	l.mu.Lock()
	l.cur = c
	hooks := append([]func(Config)(nil), l.onChange...)
	l.mu.Unlock()
	log.WithField("file", name).Info("config reloaded")
	for _, fn := range hooks {
		fn(c)
	}
}

// OnChange registers fn to run after every accepted reload.
func (l *Live) OnChange(fn func(Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

func (l *Live) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// Settings implements floor.SettingsSource with the current ensemble section.
func (l *Live) Settings() floor.Settings { return l.Config().Scheduler() }
