package moderr

import "github.com/cockroachdb/errors"

// 错误码是远程协议的一部分，不可随意修改。
const (
	CodeUnknown              = "unknown"
	CodeDuplicateMod         = "duplicate_mod"
	CodeModNotFound          = "mod_not_found"
	CodeDependencyNotFound   = "dependency_not_found"
	CodeCyclicDependency     = "cyclic_dependency"
	CodeUnsupportedLifecycle = "unsupported_lifecycle_operation"
	CodeModuleLoad           = "module_load"
	CodeEntryPointTimeout    = "entry_point_timeout"
	CodeRemoteProtocol       = "remote_protocol"
)

var codeTable = []struct {
	code     string
	sentinel error
}{
	{CodeDuplicateMod, ErrDuplicateMod},
	{CodeModNotFound, ErrModNotFound},
	{CodeDependencyNotFound, ErrDependencyNotFound},
	{CodeCyclicDependency, ErrCyclicDependency},
	{CodeUnsupportedLifecycle, ErrUnsupportedLifecycleOperation},
	{CodeModuleLoad, ErrModuleLoad},
	{CodeEntryPointTimeout, ErrEntryPointTimeout},
	{CodeRemoteProtocol, ErrRemoteProtocol},
}

// Code 返回错误对应的协议错误码。
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, item := range codeTable {
		if errors.Is(err, item.sentinel) {
			return item.code
		}
	}
	return CodeUnknown
}

// FromCode 返回错误码对应的哨兵错误，未知错误码返回 nil。
func FromCode(code string) error {
	for _, item := range codeTable {
		if item.code == code {
			return item.sentinel
		}
	}
	return nil
}
