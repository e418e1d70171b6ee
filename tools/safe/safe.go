package safe

import (
	"fmt"
	"reflect"

	"orgchat/logger"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Used by constructors for required collaborators.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// DefaultInt returns i when positive, otherwise fallback.
func DefaultInt(i, fallback int) int {
	if i <= 0 {
		return fallback
	}
	return i
}

// SafeGo starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func SafeGo(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("[SafeGo] panic recovered", zap.String("task", name), zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		f()
	}()
}
