package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/modloader/pkg/loader"
	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/modctx"
	"github.com/lk2023060901/modloader/pkg/module"
	"github.com/lk2023060901/modloader/pkg/service"
)

// Greeter 是 greeter mod 发布的控制器接口。
type Greeter interface {
	Greet(name string) string
}

type greeter struct{}

func (greeter) Greet(name string) string { return "hello, " + name }

type greeterMod struct {
	handle service.Handle[Greeter]
}

func (m *greeterMod) Start(api module.LoaderAPI) error {
	h, err := service.AddController[Greeter](api.Registry(), greeter{}, api.ModID())
	if err != nil {
		return err
	}
	m.handle = h
	api.Logger().Info("greeter published")
	return nil
}

func (m *greeterMod) Suspend() error   { return nil }
func (m *greeterMod) Resume() error    { return nil }
func (m *greeterMod) Unload() error    { m.handle.Release(); return nil }
func (m *greeterMod) CanSuspend() bool { return true }
func (m *greeterMod) CanUnload() bool  { return true }

type consumerMod struct {
	api module.LoaderAPI
}

func (m *consumerMod) Start(api module.LoaderAPI) error {
	m.api = api
	g, err := service.FirstController[Greeter](api.Registry())
	if err != nil {
		return err
	}
	fmt.Println(g.Greet(api.ModID()))
	return nil
}

func (m *consumerMod) Suspend() error   { return nil }
func (m *consumerMod) Resume() error    { return nil }
func (m *consumerMod) Unload() error    { return nil }
func (m *consumerMod) CanSuspend() bool { return false }
func (m *consumerMod) CanUnload() bool  { return true }

type idleMod struct{}

func (idleMod) Start(module.LoaderAPI) error { return nil }
func (idleMod) Suspend() error               { return nil }
func (idleMod) Resume() error                { return nil }
func (idleMod) Unload() error                { return nil }
func (idleMod) CanSuspend() bool             { return true }
func (idleMod) CanUnload() bool              { return true }

func defaultConfig() loader.Config {
	cfg := loader.DefaultConfig()
	cfg.Loggers = []logger.NamedConfig{
		{Name: logger.NameModLoader, Level: "info", Console: true},
		{Name: logger.NameRPC, Level: "info", Console: true},
	}
	cfg.Loader.AppID = "demo"
	cfg.Mods = []module.Descriptor{
		{ID: "greeter", Name: "Greeter", Version: "1.0.0", ModulePath: "builtin/greeter"},
		{ID: "consumer", Name: "Consumer", Version: "1.0.0", DependencyIDs: []string{"greeter"}, ModulePath: "builtin/consumer"},
		{ID: "idle", Name: "Idle", Version: "0.1.0", ModulePath: "builtin/idle"},
	}
	cfg.Apps = []module.AppConfig{{ID: "demo", EnabledMods: []string{"consumer"}}}
	return cfg
}

func main() {
	configPath := flag.String("config", "", "loader config file, built-in demo config when empty")
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		loaded, err := loader.LoadConfigFromFile(*configPath)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	}

	backend := modctx.NewStaticBackend()
	backend.Register("builtin/greeter", func() module.EntryPoint { return &greeterMod{} })
	backend.Register("builtin/consumer", func() module.EntryPoint { return &consumerMod{} })
	backend.Register("builtin/idle", func() module.EntryPoint { return idleMod{} })

	l := loader.New(cfg,
		loader.WithBackend(backend),
		loader.OnModLoaderInitialized(func() {
			fmt.Printf("mod loader ready, pid=%d\n", os.Getpid())
		}),
	)
	if err := l.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
