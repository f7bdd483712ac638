// Package script runs systems written in Lua. A script returns a descriptor table naming the
// system and its declared tables, and updates the game state through a small API:
//
//	return {
//	  id = "mymod.inflation",
//	  reads = {"calendar"},
//	  writes = {"countries"},
//	  after = {"base.territory"},
//	  update = function(dt)
//	    for row = 1, rows("countries") do
//	      set("countries", "money_balance", row, get("countries", "money_balance", row) * 0.999)
//	    end
//	    emit("Inflation", {rate = 0.001})
//	  end,
//	}
//
// Rows are 1-based. Touching a table the script didn't declare raises a Lua error, which fails
// the update and rolls back its writes like any other system fault.
package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openpower/engine/pkg/engine"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// APIVersion is exposed to scripts as the API_VERSION global.
const APIVersion = 1

// DefaultUpdateTimeout bounds a single update of a loaded script.
const DefaultUpdateTimeout = time.Second

// Event is emitted by scripts through emit(name, fields).
type Event struct {
	Kind   string
	Fields map[string]any // Values are float64, string or bool
}

func (e Event) Name() string {
	return e.Kind
}

// System is a system backed by a Lua script. Each system owns its own VM, so a system must only be
// updated from one goroutine at a time, which the driver guarantees.
type System struct {
	id     string
	reads  []string
	writes []string
	after  []string
	path   string

	vm      *lua.LState
	update  *lua.LFunction
	logger  zerolog.Logger
	timeout time.Duration

	// Set for the duration of an update.
	ctx    *engine.Context
	events []engine.Event
	err    error
}

var _ engine.System = (*System)(nil)

func (s *System) ID() string       { return s.id }
func (s *System) Reads() []string  { return s.reads }
func (s *System) Writes() []string { return s.writes }
func (s *System) After() []string  { return s.after }

// Path returns the file the system was loaded from.
func (s *System) Path() string {
	return s.path
}

// SetUpdateTimeout bounds how long a single update may run. Zero disables the bound, the update
// then only stops when the tick's context is canceled.
func (s *System) SetUpdateTimeout(d time.Duration) {
	s.timeout = d
}

// Update calls the script's update function with dt in seconds.
func (s *System) Update(ctx *engine.Context, dt time.Duration) ([]engine.Event, error) {
	s.ctx, s.events, s.err = ctx, nil, nil
	defer func() {
		s.ctx, s.err = nil, nil
	}()

	runCtx := ctx.Context()
	if runCtx == nil {
		runCtx = context.Background()
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.timeout)
		defer cancel()
	}
	s.vm.SetContext(runCtx)
	defer s.vm.RemoveContext()

	err := s.vm.CallByParam(lua.P{Fn: s.update, NRet: 0, Protect: true}, lua.LNumber(dt.Seconds()))
	if err != nil {
		if cerr := runCtx.Err(); cerr != nil {
			return nil, eris.Wrapf(cerr, "script %s stopped", s.path)
		}
		if s.raised(err) {
			// Keep the Go error so callers can match its sentinel.
			return nil, eris.Wrapf(s.err, "script %s", s.path)
		}
		return nil, eris.Wrapf(err, "script %s failed", s.path)
	}
	return s.events, nil
}

// raised reports whether err is the API failure recorded last. A failure the script caught with
// pcall doesn't explain a later, unrelated error.
func (s *System) raised(err error) bool {
	if s.err == nil {
		return false
	}
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) || apiErr.Object == nil {
		return false
	}
	return strings.Contains(apiErr.Object.String(), s.err.Error())
}

// Close releases the VM.
func (s *System) Close() {
	s.vm.Close()
}

// -------------------------------------------------------------------------------------------------
// Loading
// -------------------------------------------------------------------------------------------------

// LoadFile loads a single script.
func LoadFile(path string, logger zerolog.Logger) (*System, error) {
	vm := lua.NewState(lua.Options{SkipOpenLibs: true})
	if err := openLibs(vm); err != nil {
		vm.Close()
		return nil, err
	}
	vm.SetGlobal("API_VERSION", lua.LNumber(APIVersion))

	s := &System{
		path:    path,
		vm:      vm,
		logger:  logger.With().Str("script", path).Logger(),
		timeout: DefaultUpdateTimeout,
	}
	s.register()

	top := vm.GetTop()
	if err := vm.DoFile(path); err != nil {
		vm.Close()
		return nil, eris.Wrapf(err, "failed to run %s", path)
	}
	if vm.GetTop() == top {
		vm.Close()
		return nil, eris.Errorf("%s doesn't return a descriptor table", path)
	}
	desc, ok := vm.Get(-1).(*lua.LTable)
	vm.Pop(vm.GetTop() - top)
	if !ok {
		vm.Close()
		return nil, eris.Errorf("%s doesn't return a descriptor table", path)
	}
	if err := s.describe(desc); err != nil {
		vm.Close()
		return nil, eris.Wrapf(err, "invalid descriptor in %s", path)
	}
	s.logger.Debug().Str("system", s.id).Msg("loaded lua script")
	return s, nil
}

// LoadDir loads every .lua file in dir in file name order. A missing directory yields no systems.
func LoadDir(dir string, logger zerolog.Logger) ([]*System, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // skip missing dirs
		}
		return nil, eris.Wrapf(err, "failed to read %s", dir)
	}

	var systems []*System
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		s, err := LoadFile(filepath.Join(dir, entry.Name()), logger)
		if err != nil {
			closeAll(systems)
			return nil, err
		}
		systems = append(systems, s)
	}
	return systems, nil
}

// LoadMods loads the scripts of every mod under root. Each subdirectory of root is a mod; mods are
// loaded in directory name order.
func LoadMods(root string, logger zerolog.Logger) ([]*System, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "failed to read mods dir %s", root)
	}

	var systems []*System
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		mod, err := LoadDir(filepath.Join(root, entry.Name()), logger.With().Str("mod", entry.Name()).Logger())
		if err != nil {
			closeAll(systems)
			return nil, eris.Wrapf(err, "failed to load mod %s", entry.Name())
		}
		logger.Info().Str("mod", entry.Name()).Int("systems", len(mod)).Msg("mod loaded")
		systems = append(systems, mod...)
	}
	return systems, nil
}

// Systems converts scripts into driver systems.
func Systems(scripts []*System) []engine.System {
	out := make([]engine.System, len(scripts))
	for i, s := range scripts {
		out[i] = s
	}
	return out
}

func closeAll(systems []*System) {
	for _, s := range systems {
		s.Close()
	}
}

// openLibs opens the libraries scripts may use. io, os and the module loader stay closed.
func openLibs(vm *lua.LState) error {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := vm.CallByParam(lua.P{
			Fn:      vm.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return eris.Wrapf(err, "failed to open lua library %q", lib.name)
		}
	}
	// The base library can still reach the file system.
	for _, name := range []string{"dofile", "loadfile", "require"} {
		vm.SetGlobal(name, lua.LNil)
	}
	return nil
}

func (s *System) describe(desc *lua.LTable) error {
	id, ok := desc.RawGetString("id").(lua.LString)
	if !ok || id == "" {
		return eris.New("id must be a non-empty string")
	}
	s.id = string(id)

	var err error
	if s.reads, err = stringList(desc, "reads"); err != nil {
		return err
	}
	if s.writes, err = stringList(desc, "writes"); err != nil {
		return err
	}
	if s.after, err = stringList(desc, "after"); err != nil {
		return err
	}

	if fn, ok := desc.RawGetString("update").(*lua.LFunction); ok {
		s.update = fn
		return nil
	}
	if fn, ok := s.vm.GetGlobal("update").(*lua.LFunction); ok {
		s.update = fn
		return nil
	}
	return eris.New("update function is missing")
}

func stringList(desc *lua.LTable, field string) ([]string, error) {
	switch v := desc.RawGetString(field).(type) {
	case *lua.LNilType:
		return []string{}, nil
	case *lua.LTable:
		out := make([]string, 0, v.Len())
		for i := 1; i <= v.Len(); i++ {
			str, ok := v.RawGetInt(i).(lua.LString)
			if !ok {
				return nil, eris.Errorf("%s[%d] must be a string", field, i)
			}
			out = append(out, string(str))
		}
		return out, nil
	default:
		return nil, eris.Errorf("%s must be a list of table names, got %s", field, v.Type())
	}
}
