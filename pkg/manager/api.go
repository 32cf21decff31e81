package manager

import (
	"slices"

	"github.com/lk2023060901/modloader/pkg/logger"
	"github.com/lk2023060901/modloader/pkg/module"
	"github.com/lk2023060901/modloader/pkg/service"
)

// modAPI 是面向单个 mod 的 LoaderAPI 视图。
type modAPI struct {
	m      *Manager
	id     string
	logger logger.Logger
}

var _ module.LoaderAPI = (*modAPI)(nil)

func (m *Manager) apiFor(id string) *modAPI {
	return &modAPI{m: m, id: id, logger: m.logger.With(logger.ModID(id))}
}

func (a *modAPI) ModID() string {
	return a.id
}

func (a *modAPI) LoaderVersion() string {
	return a.m.cfg.Version
}

func (a *modAPI) AppConfig() module.AppConfig {
	app := a.m.cfg.App
	app.EnabledMods = slices.Clone(app.EnabledMods)
	return app
}

func (a *modAPI) ActiveMods() []module.Info {
	return a.m.GetLoadedMods()
}

func (a *modAPI) SortedMods() []string {
	return a.m.GetSortedMods()
}

func (a *modAPI) Registry() *service.Registry {
	return a.m.registry
}

func (a *modAPI) PluginSources() []service.Source {
	return a.m.PluginSources()
}

func (a *modAPI) Subscribe(kind module.EventKind, handler module.EventHandler) func() {
	return a.m.events.subscribe(kind, a.id, handler)
}

func (a *modAPI) Logger() logger.Logger {
	return a.logger
}
