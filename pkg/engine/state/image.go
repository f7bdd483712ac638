package state

import (
	"maps"
	"slices"
	"sync"

	"github.com/rotisserie/eris"
)

// Image is a detached deep copy of a game state, ready to be encoded. Tables are ordered by name.
type Image struct {
	Tick    uint64
	Tables  []TableImage
	Globals map[string]any // Values are int64, float64, string or bool
}

// TableImage is a detached copy of a single table. Columns[i] holds the values of Schema[i] as a
// typed slice ([]int64, []float64, []string or []bool).
type TableImage struct {
	Name    string
	Schema  Schema
	Columns []any
}

// Rows returns the number of rows in the table image.
func (ti TableImage) Rows() int {
	if len(ti.Columns) == 0 {
		return 0
	}
	switch c := ti.Columns[0].(type) {
	case []int64:
		return len(c)
	case []float64:
		return len(c)
	case []string:
		return len(c)
	case []bool:
		return len(c)
	}
	return 0
}

// Table returns the image of the named table.
func (img *Image) Table(name string) (TableImage, bool) {
	i, ok := slices.BinarySearchFunc(img.Tables, name, func(ti TableImage, name string) int {
		switch {
		case ti.Name < name:
			return -1
		case ti.Name > name:
			return 1
		}
		return 0
	})
	if !ok {
		return TableImage{}, false
	}
	return img.Tables[i], true
}

// -------------------------------------------------------------------------------------------------
// Globals
// -------------------------------------------------------------------------------------------------

// Globals is a small typed key/value area for session-wide scalars such as the current date.
type Globals struct {
	mu     sync.RWMutex
	values map[string]any
}

func globalsFromMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !isValue(v) {
			return nil, eris.Wrapf(ErrSchemaViolation, "global %q has unsupported type %T", k, v)
		}
		out[k] = v
	}
	return out, nil
}

func isValue(v any) bool {
	switch v.(type) {
	case int64, float64, string, bool:
		return true
	}
	return false
}

// Set stores a value. Only int64, float64, string and bool are accepted.
func (g *Globals) Set(key string, value any) error {
	if !isValue(value) {
		return eris.Wrapf(ErrSchemaViolation, "global %q has unsupported type %T", key, value)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[key] = value
	return nil
}

// Get returns a value and whether it exists.
func (g *Globals) Get(key string) (any, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.values[key]
	return v, ok
}

// Delete removes a value.
func (g *Globals) Delete(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.values, key)
}

// Keys returns all keys in ascending order.
func (g *Globals) Keys() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Sorted(maps.Keys(g.values))
}

func (g *Globals) clone() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return maps.Clone(g.values)
}

func (g *Globals) replace(values map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values = values
}

// Global returns a typed global. The boolean is false if the key is missing or holds another type.
func Global[T Value](g *Globals, key string) (T, bool) {
	v, ok := g.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}
