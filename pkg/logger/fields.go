package logger

import (
	"fmt"
	"time"
)

// 加载器内置的具名 Logger。
const (
	NameModLoader = "modloader"
	NameRPC       = "rpc"
	NameModCtx    = "modctx"
)

// ModID 构造 mod 字段，各组件统一使用 "mod" 作为键。
func ModID(id string) Field {
	return Field{Key: "mod", Value: id}
}

// Stringer 构造按 String() 输出的字段。
func Stringer(key string, value fmt.Stringer) Field {
	return Field{Key: key, Value: value}
}

// String 构造字符串字段。
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int 构造整数字段。
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Bool 构造布尔字段。
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration 构造时长字段。
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err 构造 error 字段，nil 时输出空字段值。
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any 构造任意值字段。
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// KV 将成对的键值转换为字段，奇数个参数时忽略最后一个。
func KV(kv ...any) []Field {
	if len(kv) == 0 {
		return nil
	}
	out := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, Field{Key: key, Value: kv[i+1]})
	}
	return out
}
