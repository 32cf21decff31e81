package loader

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/moderr"
	"github.com/lk2023060901/modloader/pkg/modctx"
	"github.com/lk2023060901/modloader/pkg/module"
	"github.com/lk2023060901/modloader/pkg/rpc"
)

const sampleConfig = `
loader:
  version: 2.0.0
  app_id: game.exe
  entry_point_timeout: 2s
  revocable: true
  reclaim_spec: "@every 1h"
  server:
    enabled: true
    host: 127.0.0.1
    publish: false
mods:
  - id: A
    name: Alpha
    version: 1.0.0
    module_path: static/A
  - id: B
    name: Beta
    version: 1.0.0
    module_path: static/B
  - id: C
    name: Gamma
    version: 1.0.0
    module_path: static/C
  - id: E
    name: Epsilon
    version: 1.0.0
    dependencies: [C]
    optional_dependencies: [B]
    module_path: static/E
apps:
  - id: game.exe
    enabled_mods: [A, B]
  - id: editor.exe
    enabled_mods: [E]
`

type noopMod struct{}

func (noopMod) Start(module.LoaderAPI) error { return nil }
func (noopMod) Suspend() error               { return nil }
func (noopMod) Resume() error                { return nil }
func (noopMod) Unload() error                { return nil }
func (noopMod) CanSuspend() bool             { return true }
func (noopMod) CanUnload() bool              { return true }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func staticBackend() *modctx.StaticBackend {
	b := modctx.NewStaticBackend()
	for _, id := range []string{"A", "B", "C", "E"} {
		b.Register("static/"+id, func() module.EntryPoint { return noopMod{} })
	}
	return b
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfigFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "2.0.0", cfg.Loader.Version)
	assert.Equal(t, 2*time.Second, cfg.Loader.EntryPointTimeout)
	assert.Equal(t, 16, cfg.Loader.Server.MaxConnections)
	assert.False(t, cfg.Loader.Server.Publish)
	require.Len(t, cfg.Mods, 4)
	assert.Equal(t, []string{"C"}, cfg.Mods[3].DependencyIDs)
	assert.Equal(t, []string{"B"}, cfg.Mods[3].OptionalDependencyIDs)

	app, ok := cfg.App()
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, app.EnabledMods)

	cfg.Loader.AppID = "other.exe"
	app, ok = cfg.App()
	assert.False(t, ok)
	assert.Empty(t, app.EnabledMods)
}

func TestLoadConfigFromFileErrors(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfigFromFile(writeConfig(t, "loader: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := LoadConfigFromFile(writeConfig(t, sampleConfig))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		is     error
	}{
		{"empty id", func(c *Config) { c.Mods[0].ID = "" }, errEmptyModID},
		{"duplicate id", func(c *Config) { c.Mods[1].ID = "A" }, errDuplicateModID},
		{"empty path", func(c *Config) { c.Mods[0].ModulePath = "" }, errEmptyModulePath},
		{"missing dependency", func(c *Config) { c.Mods[3].DependencyIDs = []string{"Z"} }, moderr.ErrDependencyNotFound},
		{"cycle", func(c *Config) { c.Mods[2].DependencyIDs = []string{"E"} }, moderr.ErrCyclicDependency},
		{"unknown enabled", func(c *Config) { c.Apps[0].EnabledMods = []string{"Z"} }, errUnknownMod},
		{"negative timeout", func(c *Config) { c.Loader.EntryPointTimeout = -time.Second }, errNegativeTimeout},
		{"public host", func(c *Config) { c.Loader.Server.Host = "0.0.0.0" }, errNonLoopbackHost},
		{"bad reclaim spec", func(c *Config) { c.Loader.ReclaimSpec = "sometimes" }, nil},
		{"bad port", func(c *Config) { c.Loader.Server.Port = 70000 }, nil},
		{"bad logger level", func(c *Config) {
			c.Loggers = []logger.NamedConfig{{Name: logger.NameModLoader, Filepath: "x.log", Level: "loud"}}
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			if tt.is != nil {
				assert.True(t, errors.Is(err, tt.is), "got %v", err)
			}
		})
	}
}

func TestValidateIgnoresUnusedDescriptors(t *testing.T) {
	ctx := context.Background()
	cfg, err := LoadConfigFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	cfg.Loader.Server.Enabled = false
	cfg.Mods = append(cfg.Mods, module.Descriptor{
		ID: "Z", Name: "Zeta", Version: "1.0.0", DependencyIDs: []string{"missing"}, ModulePath: "static/Z",
	})
	require.NoError(t, cfg.Validate())

	backend := staticBackend()
	backend.Register("static/Z", func() module.EntryPoint { return noopMod{} })
	l := New(cfg, WithBackend(backend))
	require.NoError(t, l.Start(ctx))
	t.Cleanup(func() { _ = l.Shutdown(ctx) })
	assert.Equal(t, []string{"A", "B"}, l.Manager().GetSortedMods())

	err = l.LoadMod(ctx, "Z")
	assert.True(t, errors.Is(err, moderr.ErrDependencyNotFound), "got %v", err)
	assert.False(t, l.Manager().IsModLoaded("Z"))

	// 被启用的 mod 依赖缺失时仍然拒绝启动。
	cfg.Apps[0].EnabledMods = []string{"A", "Z"}
	assert.True(t, errors.Is(cfg.Validate(), moderr.ErrDependencyNotFound))
}

func TestServerAddress(t *testing.T) {
	assert.Equal(t, "127.0.0.1:0", ServerConfig{}.Address())
	assert.Equal(t, "[::1]:9000", ServerConfig{Host: "::1", Port: 9000}.Address())
}

func TestLoaderStartStop(t *testing.T) {
	ctx := context.Background()
	cfg, err := LoadConfigFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	initialized := 0
	l := New(cfg, WithBackend(staticBackend()), OnModLoaderInitialized(func() { initialized++ }))
	assert.ErrorIs(t, l.LoadMod(ctx, "C"), errNotStarted)

	require.NoError(t, l.Start(ctx))
	assert.ErrorIs(t, l.Start(ctx), errLoaderStarted)
	assert.Equal(t, 1, initialized)
	assert.Equal(t, []string{"A", "B"}, l.Manager().GetSortedMods())
	require.NotZero(t, l.Port())

	client, err := rpc.Dial(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Port())))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.LoadMod(ctx, "E"))
	mods, err := client.GetLoadedMods(ctx, time.Second)
	require.NoError(t, err)
	ids := make([]string, len(mods))
	for i, m := range mods {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"A", "B", "C", "E"}, ids)

	require.NoError(t, l.UnloadMod(ctx, "E"))
	assert.False(t, l.Manager().IsModLoaded("E"))

	require.NoError(t, l.Shutdown(ctx))
	require.NoError(t, l.Shutdown(ctx))
	assert.Empty(t, l.Manager().GetLoadedMods())
	assert.Zero(t, l.Port())
}

func TestLoaderStartFailureUnloads(t *testing.T) {
	ctx := context.Background()
	cfg, err := LoadConfigFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	cfg.Loader.Server.Enabled = false

	backend := modctx.NewStaticBackend()
	backend.Register("static/A", func() module.EntryPoint { return noopMod{} })
	l := New(cfg, WithBackend(backend))

	err = l.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, moderr.ErrModuleLoad))
	assert.Empty(t, l.Manager().GetLoadedMods())
}

func TestLoaderRunStopsOnContext(t *testing.T) {
	cfg, err := LoadConfigFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	cfg.Loader.Server.Enabled = false
	cfg.Loader.AppID = "editor.exe"

	l := New(cfg, WithBackend(staticBackend()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = l.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, l.Manager().GetLoadedMods())
}

func TestLoaderLogPathRelativeToConfig(t *testing.T) {
	ctx := context.Background()
	path := writeConfig(t, `
loggers:
  - name: modloader
    filepath: logs/modloader.log
    level: debug
`+sampleConfig)
	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	cfg.Loader.Server.Enabled = false
	t.Cleanup(func() { _ = logger.Replace(logger.NameModLoader, logger.Nop()) })

	l := New(cfg, WithBackend(staticBackend()))
	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.Shutdown(ctx))

	raw, err := os.ReadFile(filepath.Join(filepath.Dir(path), "logs", "modloader.log"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "mod loader started")
	assert.Contains(t, string(raw), `"mod":"A"`)
}
