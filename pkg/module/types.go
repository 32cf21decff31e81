package module

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// State 表示 mod 的生命周期状态，数值是远程协议的一部分。
type State int

const (
	// StateRunning 表示 mod 正在运行。
	StateRunning State = iota
	// StateSuspended 表示 mod 已暂停。
	StateSuspended
	// StateUnloading 表示 mod 正在卸载。
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateUnloading:
		return "unloading"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Action 表示远程或本地请求的状态变更，数值是远程协议的一部分。
type Action int

const (
	ActionLoad Action = iota
	ActionResume
	ActionSuspend
	ActionUnload
)

func (a Action) String() string {
	switch a {
	case ActionLoad:
		return "load"
	case ActionResume:
		return "resume"
	case ActionSuspend:
		return "suspend"
	case ActionUnload:
		return "unload"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction 解析动作名称，大小写不敏感。
func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "load":
		return ActionLoad, nil
	case "resume":
		return ActionResume, nil
	case "suspend":
		return ActionSuspend, nil
	case "unload":
		return ActionUnload, nil
	default:
		return 0, errors.Newf("module: invalid action %q", raw)
	}
}

// Descriptor 描述一个已解析的 mod，由外部配置提供，加载后不可变。
type Descriptor struct {
	ID                    string   `yaml:"id"`
	Name                  string   `yaml:"name"`
	Version               string   `yaml:"version"`
	DependencyIDs         []string `yaml:"dependencies"`
	OptionalDependencyIDs []string `yaml:"optional_dependencies"`
	ModulePath            string   `yaml:"module_path"`
}

// Normalize 返回去重后的副本，重复项保留首次出现的位置。
func (d Descriptor) Normalize() Descriptor {
	d.DependencyIDs = orderedSet(d.DependencyIDs)
	d.OptionalDependencyIDs = orderedSet(d.OptionalDependencyIDs)
	return d
}

func orderedSet(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Info 是某一时刻 mod 的只读视图。
type Info struct {
	ID           string
	Name         string
	Version      string
	State        State
	CanSuspend   bool
	CanUnload    bool
	Dependencies []string
}

// AppConfig 描述当前宿主进程对应的应用配置。
type AppConfig struct {
	ID          string   `yaml:"id"`
	EnabledMods []string `yaml:"enabled_mods"`
}
