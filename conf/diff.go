package conf

import "reflect"

// reservedKeys are tree bookkeeping props that never count as behavior.
var reservedKeys = map[string]bool{
	"key":      true,
	"children": true,
	"ref":      true,
}

// DiffResult reports whether two prop sets differ and which keys changed.
// Removed keys appear in Changed with a nil value.
type DiffResult struct {
	HasChanges bool
	Changed    map[string]any
}

// Diff deep-compares two prop sets. Reserved keys and function-typed values
// are ignored: handlers are stable by reference semantics and excluded from
// change detection to avoid spurious re-registration. Everything else is
// compared structurally, so nested map and slice content changes are
// detected. Deleting a key is itself a change.
func Diff(oldProps, newProps map[string]any) DiffResult {
	result := DiffResult{Changed: map[string]any{}}

	for k, newVal := range newProps {
		if reservedKeys[k] || isFunc(newVal) {
			continue
		}
		oldVal, existed := oldProps[k]
		if existed && isFunc(oldVal) {
			continue
		}
		if !existed || !reflect.DeepEqual(oldVal, newVal) {
			result.Changed[k] = newVal
			result.HasChanges = true
		}
	}

	for k, oldVal := range oldProps {
		if reservedKeys[k] || isFunc(oldVal) {
			continue
		}
		if _, exists := newProps[k]; !exists {
			result.Changed[k] = nil
			result.HasChanges = true
		}
	}

	return result
}

func isFunc(v any) bool {
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).Kind() == reflect.Func
}
