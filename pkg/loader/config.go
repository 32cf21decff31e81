package loader

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/lk2023060901/modloader/pkg/depgraph"
	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/modctx"
	"github.com/lk2023060901/modloader/pkg/module"
)

var (
	errEmptyModID      = errors.New("loader: mod id is empty")
	errEmptyModulePath = errors.New("loader: module_path is empty")
	errDuplicateModID  = errors.New("loader: duplicate mod id")
	errUnknownMod      = errors.New("loader: app enables unknown mod")
	errNegativeTimeout = errors.New("loader: entry_point_timeout must not be negative")
	errNonLoopbackHost = errors.New("loader: server host must be a loopback address")
)

// Config 表示加载器配置文件。
type Config struct {
	// Loggers 表示日志配置段。
	Loggers []logger.NamedConfig `yaml:"loggers"`
	// Loader 表示运行参数。
	Loader Settings `yaml:"loader"`
	// Mods 为全部已解析的 mod 描述。
	Mods []module.Descriptor `yaml:"mods"`
	// Apps 为各应用的启用列表。
	Apps []module.AppConfig `yaml:"apps"`

	dir string
}

// Settings 加载器运行参数。
type Settings struct {
	Version           string        `yaml:"version"`
	AppID             string        `yaml:"app_id"`
	EntryPointTimeout time.Duration `yaml:"entry_point_timeout"`
	Revocable         bool          `yaml:"revocable"`
	SharedPackages    []string      `yaml:"shared_packages"`
	ReclaimSpec       string        `yaml:"reclaim_spec"`
	Server            ServerConfig  `yaml:"server"`
}

// ServerConfig 远程控制服务配置。
type ServerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Publish        bool   `yaml:"publish"`
	MaxConnections int    `yaml:"max_connections"`
}

// Address 返回监听地址。
func (s ServerConfig) Address() string {
	host := s.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// DefaultConfig 返回默认配置，AppID 取当前可执行文件名。
func DefaultConfig() Config {
	return Config{
		Loader: Settings{
			Version:           "1.0.0",
			AppID:             filepath.Base(os.Args[0]),
			EntryPointTimeout: 10 * time.Second,
			Revocable:         true,
			ReclaimSpec:       modctx.DefaultReclaimSpec,
			Server: ServerConfig{
				Enabled:        true,
				Host:           "127.0.0.1",
				Publish:        true,
				MaxConnections: 16,
			},
		},
	}
}

// LoadConfigFromFile 从 YAML 文件加载配置，未出现的字段保留默认值。
func LoadConfigFromFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "loader: read config %s", path)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "loader: parse config %s", path)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Validate 校验配置，包括依赖图是否完整且无环。
func (c Config) Validate() error {
	if err := c.logging().Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Mods))
	for _, d := range c.Mods {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return errEmptyModID
		}
		if _, ok := seen[id]; ok {
			return errors.Wrapf(errDuplicateModID, "%q", id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(d.ModulePath) == "" {
			return errors.Wrapf(errEmptyModulePath, "mod %q", id)
		}
	}
	// 只校验各应用启用集合的依赖闭包，其余描述在 LoadMod 时再报告依赖错误。
	resolver := depgraph.New(c.Mods)
	for _, app := range c.Apps {
		for _, id := range app.EnabledMods {
			if _, ok := seen[id]; !ok {
				return errors.Wrapf(errUnknownMod, "app %q enables %q", app.ID, id)
			}
		}
		if _, err := resolver.Sort(app.EnabledMods, app.EnabledMods); err != nil {
			return errors.Wrapf(err, "app %q", app.ID)
		}
	}

	if c.Loader.EntryPointTimeout < 0 {
		return errNegativeTimeout
	}
	if c.Loader.ReclaimSpec != "" {
		if _, err := cron.ParseStandard(c.Loader.ReclaimSpec); err != nil {
			return errors.Wrapf(err, "loader: invalid reclaim_spec %q", c.Loader.ReclaimSpec)
		}
	}
	if c.Loader.Server.Enabled {
		host := c.Loader.Server.Host
		if host != "" && host != "localhost" {
			ip := net.ParseIP(host)
			if ip == nil || !ip.IsLoopback() {
				return errors.Wrapf(errNonLoopbackHost, "%q", host)
			}
		}
		if c.Loader.Server.Port < 0 || c.Loader.Server.Port > 0xFFFF {
			return errors.Newf("loader: invalid server port %d", c.Loader.Server.Port)
		}
	}
	return nil
}

// logging 返回日志配置段，相对路径以配置文件所在目录为基准。
func (c Config) logging() logger.Config {
	return logger.Config{Loggers: c.Loggers, BaseDir: c.dir}
}

// App 返回当前进程对应的应用配置，未配置时启用列表为空。
func (c Config) App() (module.AppConfig, bool) {
	for _, app := range c.Apps {
		if app.ID == c.Loader.AppID {
			return app, true
		}
	}
	return module.AppConfig{ID: c.Loader.AppID}, false
}
