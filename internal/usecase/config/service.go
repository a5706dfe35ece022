// Package config implements the configuration management use case: the
// controller's own settings via viper plus the static route declarations
// kept in a separate YAML file.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"dcrp/internal/boundaries/out"
	"dcrp/internal/domain"
)

// HostConfig is one [[hosts]] block.
type HostConfig struct {
	ID      string `mapstructure:"id"`
	Kind    string `mapstructure:"kind"`
	Address string `mapstructure:"address"`
	User    string `mapstructure:"user"`
	KeyPath string `mapstructure:"key_path"`
	Port    int    `mapstructure:"port"`
}

// Config holds the loaded configuration.
type Config struct {
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`

	Proxy struct {
		AdminURL string        `mapstructure:"admin_url"`
		Server   string        `mapstructure:"server"`
		Timeout  time.Duration `mapstructure:"timeout"`
		Retries  int           `mapstructure:"retries"`
	} `mapstructure:"proxy"`

	Discovery struct {
		Debounce      time.Duration `mapstructure:"debounce"`
		DriftInterval time.Duration `mapstructure:"drift_interval"`
		Concurrency   int           `mapstructure:"concurrency"`
		BackoffBase   time.Duration `mapstructure:"backoff_base"`
		BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	} `mapstructure:"discovery"`

	Hosts []HostConfig `mapstructure:"hosts"`

	StaticRoutesFile string `mapstructure:"static_routes_file"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Telemetry struct {
		Enabled  bool          `mapstructure:"enabled"`
		Endpoint string        `mapstructure:"endpoint"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"telemetry"`
}

// StaticRoute is one entry of the static routes YAML file.
type StaticRoute struct {
	Host      string `yaml:"host"`
	Upstream  string `yaml:"upstream"`
	ForceSSL  bool   `yaml:"force_ssl"`
	WebSocket bool   `yaml:"websocket"`
}

// Service implements configuration loading and change watching.
type Service struct {
	viper         *viper.Viper
	eventBus      out.EventPublisher
	config        Config
	mu            sync.RWMutex
	lastSaveTime  int64 // Unix nano timestamp of last save (to debounce file watcher)
	debounceDelay int64 // Debounce delay in nanoseconds (default 500ms)
}

// NewService creates a new config service. The event bus may be nil when
// the service is only used for loading; set one before Watch.
func NewService(v *viper.Viper, eventBus out.EventPublisher) *Service {
	return &Service{
		viper:         v,
		eventBus:      eventBus,
		debounceDelay: int64(500 * time.Millisecond),
	}
}

// SetPublisher wires the event bus used by Watch. The logger comes up
// after the first Load, so the bus cannot exist at construction time.
func (s *Service) SetPublisher(bus out.EventPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventBus = bus
}

// Load reads the configuration from viper and validates it.
func (s *Service) Load(ctx context.Context) error {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "Load",
	})
	log := zerowrap.FromCtx(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	var cfg Config
	if err := s.viper.Unmarshal(&cfg); err != nil {
		return log.WrapErr(err, "failed to parse config")
	}
	applyDefaults(&cfg)

	if err := validate(cfg); err != nil {
		return err
	}
	s.config = cfg

	log.Info().
		Int("server_port", cfg.Server.Port).
		Str("proxy_admin_url", cfg.Proxy.AdminURL).
		Int(zerowrap.FieldCount, len(cfg.Hosts)).
		Msg("configuration loaded")

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Proxy.AdminURL == "" {
		cfg.Proxy.AdminURL = "http://localhost:2019"
	}
	if cfg.Proxy.Server == "" {
		cfg.Proxy.Server = "srv0"
	}
	if cfg.Discovery.Debounce <= 0 {
		cfg.Discovery.Debounce = 300 * time.Millisecond
	}
	if cfg.Discovery.DriftInterval <= 0 {
		cfg.Discovery.DriftInterval = time.Minute
	}
	if cfg.Discovery.BackoffBase <= 0 {
		cfg.Discovery.BackoffBase = time.Second
	}
	if cfg.Discovery.BackoffCap <= 0 {
		cfg.Discovery.BackoffCap = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	for i := range cfg.Hosts {
		if cfg.Hosts[i].Kind == "" {
			cfg.Hosts[i].Kind = string(domain.HostKindLocal)
		}
		if cfg.Hosts[i].Port == 0 {
			cfg.Hosts[i].Port = 22
		}
	}
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		if h.ID == "" {
			return fmt.Errorf("%w: host with empty id", domain.ErrInvalidConfig)
		}
		if seen[h.ID] {
			return fmt.Errorf("%w: duplicate host id %q", domain.ErrInvalidConfig, h.ID)
		}
		seen[h.ID] = true

		switch domain.HostKind(h.Kind) {
		case domain.HostKindLocal:
		case domain.HostKindSSH:
			if h.Address == "" || h.User == "" || h.KeyPath == "" {
				return fmt.Errorf("%w: ssh host %q needs address, user and key_path", domain.ErrInvalidConfig, h.ID)
			}
		default:
			return fmt.Errorf("%w: host %q has unknown kind %q", domain.ErrInvalidConfig, h.ID, h.Kind)
		}
	}
	return nil
}

// Get returns a copy of the current configuration.
func (s *Service) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Hosts returns the configured hosts as domain objects.
func (s *Service) Hosts() []domain.Host {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hosts := make([]domain.Host, 0, len(s.config.Hosts))
	for _, h := range s.config.Hosts {
		hosts = append(hosts, domain.Host{
			ID:      h.ID,
			Kind:    domain.HostKind(h.Kind),
			Address: h.Address,
			User:    h.User,
			KeyPath: h.KeyPath,
			Port:    h.Port,
			State:   domain.ConnectionDisconnected,
		})
	}
	return hosts
}

// StaticRoutes reads and parses the static routes file into intents. A
// missing or unset file is an empty set, not an error. All intents of one
// read share a version so the store can treat the file as a unit.
func (s *Service) StaticRoutes(ctx context.Context) ([]domain.RouteIntent, error) {
	log := zerowrap.FromCtx(ctx)

	s.mu.RLock()
	path := s.config.StaticRoutesFile
	s.mu.RUnlock()

	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("file", path).Msg("static routes file absent")
			return nil, nil
		}
		return nil, log.WrapErr(err, "failed to read static routes file")
	}

	var entries []StaticRoute
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, log.WrapErr(err, "failed to parse static routes file")
	}

	version := time.Now().UnixNano()
	intents := make([]domain.RouteIntent, 0, len(entries))
	for _, e := range entries {
		intent, err := domain.NewRouteIntent(domain.StaticRouteID(e.Host), e.Host, e.Upstream, domain.OriginStatic)
		if err != nil {
			log.Warn().Err(err).Str("target_host", e.Host).Msg("skipping invalid static route")
			continue
		}
		intent.ForceSSL = e.ForceSSL
		intent.WebSocket = e.WebSocket
		intent.Version = version
		intents = append(intents, intent)
	}

	log.Info().Int(zerowrap.FieldCount, len(intents)).Msg("static routes loaded")
	return intents, nil
}

// Save persists the current configuration to disk.
func (s *Service) Save(ctx context.Context) error {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "SaveConfig",
	})
	log := zerowrap.FromCtx(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Record save time to debounce file watcher events
	atomic.StoreInt64(&s.lastSaveTime, time.Now().UnixNano())

	if err := s.viper.WriteConfig(); err != nil {
		return log.WrapErr(err, "failed to write config")
	}

	log.Info().Msg("configuration saved to disk")
	return nil
}

// Watch starts watching the main config file and, when configured, the
// static routes file. Changes publish a config.reload event; the app layer
// reacts by reloading static routes into the store.
func (s *Service) Watch(ctx context.Context) error {
	log := zerowrap.FromCtx(ctx)

	s.viper.OnConfigChange(func(e fsnotify.Event) {
		// Skip events within the debounce window of our own Save
		lastSave := atomic.LoadInt64(&s.lastSaveTime)
		if lastSave > 0 && time.Now().UnixNano()-lastSave < s.debounceDelay {
			log.Debug().Str("file", e.Name).Msg("skipping config reload (triggered by save)")
			return
		}

		log.Info().Str("file", e.Name).Msg("config file changed")

		if err := s.Load(ctx); err != nil {
			log.WrapErr(err, "failed to reload config")
			return
		}
		s.publishReload(ctx, "config")
	})
	s.viper.WatchConfig()

	s.mu.RLock()
	staticPath := s.config.StaticRoutesFile
	s.mu.RUnlock()

	if staticPath != "" {
		if err := s.watchStaticRoutes(ctx, staticPath); err != nil {
			return err
		}
	}

	log.Info().Msg("watching for configuration changes")
	return nil
}

// watchStaticRoutes runs its own fsnotify watcher; viper only covers the
// main config file. Editors replace files by rename, so the parent
// directory is watched and events filtered by name.
func (s *Service) watchStaticRoutes(ctx context.Context, path string) error {
	log := zerowrap.FromCtx(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return log.WrapErr(err, "failed to create static routes watcher")
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return log.WrapErr(err, "failed to watch static routes directory")
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				log.Info().Str("file", ev.Name).Msg("static routes file changed")
				s.publishReload(ctx, "static_routes")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("static routes watcher error")
			}
		}
	}()

	return nil
}

func (s *Service) publishReload(ctx context.Context, source string) {
	s.mu.RLock()
	bus := s.eventBus
	s.mu.RUnlock()
	if bus == nil {
		return
	}
	log := zerowrap.FromCtx(ctx)
	if err := bus.Publish(domain.EventConfigReload, domain.ConfigReloadPayload{Source: source}); err != nil {
		log.WrapErr(err, "failed to publish config reload event")
	}
}
