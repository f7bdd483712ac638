package action

import (
	"bytes"
	"reflect"
	"slices"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/goccy/go-json"
	invopop "github.com/invopop/jsonschema"
	"github.com/openpower/engine/pkg/engine/state"
	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler applies an action of type T to the game state. Returning an error rejects the action and
// undoes every change the handler made. Use Rejectf for rejections with a readable reason.
type Handler[T Action] func(gs *state.GameState, issuer string, payload T) error

// Option configures a registered action kind.
type Option func(*kind) error

// WithGuard adds an expr-lang boolean expression that must hold for the payload before the
// handler runs, e.g. "Rate >= 0 && Rate <= 1". Payload fields are referenced by their Go names.
// See https://expr-lang.org/ for documentation.
func WithGuard(guard string) Option {
	return func(k *kind) error {
		program, err := expr.Compile(guard, expr.Env(reflect.New(k.typ).Elem().Interface()), expr.AsBool())
		if err != nil {
			return eris.Wrapf(err, "failed to compile guard for %s", k.name)
		}
		k.guards = append(k.guards, guard)
		k.programs = append(k.programs, program)
		return nil
	}
}

// kind is the registration record of one action type.
type kind struct {
	name     string
	typ      reflect.Type
	schema   *jsonschema.Schema
	guards   []string
	programs []*vm.Program
	apply    func(gs *state.GameState, issuer string, payload Action) error
}

// Registry holds every known action kind. Kinds are registered during setup; lookups are safe
// from any goroutine.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*kind)}
}

// Register adds the action type T with its handler. The JSON Schema used to validate raw payloads
// is reflected from T.
func Register[T Action](r *Registry, handler Handler[T], opts ...Option) error {
	var zero T
	name := zero.Name()
	if name == "" {
		return eris.New("action name cannot be empty")
	}
	if handler == nil {
		return eris.Errorf("action %s has no handler", name)
	}

	typ := reflect.TypeOf(zero)
	if typ == nil {
		return eris.Errorf("action %s must be a concrete type", name)
	}
	schema, err := compileSchema(name, typ)
	if err != nil {
		return err
	}

	k := &kind{
		name:   name,
		typ:    typ,
		schema: schema,
		apply: func(gs *state.GameState, issuer string, payload Action) error {
			return handler(gs, issuer, payload.(T))
		},
	}
	for _, opt := range opts {
		if err := opt(k); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[name]; exists {
		return eris.Errorf("action %s is already registered", name)
	}
	r.kinds[name] = k
	return nil
}

// compileSchema reflects a JSON Schema from typ and compiles it for validation.
func compileSchema(name string, typ reflect.Type) (*jsonschema.Schema, error) {
	reflector := &invopop.Reflector{
		Anonymous:      true, // Don't add $id based on package path
		ExpandedStruct: true, // Inline the struct fields directly
	}
	raw, err := json.Marshal(reflector.ReflectFromType(typ))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to marshal schema for %s", name)
	}

	url := "mem://actions/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, eris.Wrapf(err, "failed to add schema for %s", name)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to compile schema for %s", name)
	}
	return schema, nil
}

func (r *Registry) lookup(name string) (*kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Kinds returns the registered action kinds in ascending order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Guards returns the guard expressions registered for a kind.
func (r *Registry) Guards(name string) []string {
	k, ok := r.lookup(name)
	if !ok {
		return nil
	}
	return slices.Clone(k.guards)
}

// Validate checks that the action's kind is registered and its Go type is the registered type.
func (r *Registry) Validate(a Action) error {
	if a == nil {
		return eris.Wrap(ErrInvalidAction, "action cannot be nil")
	}
	k, ok := r.lookup(a.Name())
	if !ok {
		return eris.Wrapf(ErrInvalidAction, "unknown action kind %s", a.Name())
	}
	if reflect.TypeOf(a) != k.typ {
		return eris.Wrapf(ErrInvalidAction, "action %s expects %s, got %T", k.name, k.typ, a)
	}
	return nil
}

// Decode validates a raw JSON payload against the kind's schema and decodes it.
func (r *Registry) Decode(name string, payload []byte) (Action, error) {
	k, ok := r.lookup(name)
	if !ok {
		return nil, eris.Wrapf(ErrInvalidAction, "unknown action kind %s", name)
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, eris.Wrapf(ErrInvalidAction, "action %s payload is not valid JSON: %v", name, err)
	}
	if err := k.schema.Validate(doc); err != nil {
		return nil, eris.Wrapf(ErrInvalidAction, "action %s payload doesn't match schema: %v", name, err)
	}

	ptr := reflect.New(k.typ)
	if err := json.Unmarshal(payload, ptr.Interface()); err != nil {
		return nil, eris.Wrapf(ErrInvalidAction, "failed to decode action %s: %v", name, err)
	}
	a, ok := ptr.Elem().Interface().(Action)
	if !ok {
		return nil, eris.Wrapf(ErrInvalidAction, "action %s doesn't implement Action", name)
	}
	return a, nil
}

// Apply resolves one envelope against the game state. Guards are evaluated first, then the
// handler runs inside a checkpoint: if it fails or panics every table it touched is rolled back,
// so an action is applied completely or not at all.
func (r *Registry) Apply(gs *state.GameState, env Envelope) Outcome {
	outcome := Outcome{ID: env.ID, Kind: env.Kind(), Issuer: env.Issuer}

	k, ok := r.lookup(outcome.Kind)
	if !ok {
		outcome.Reason = "unknown action kind " + outcome.Kind
		return outcome
	}

	for i, program := range k.programs {
		result, err := expr.Run(program, env.Payload)
		if err != nil {
			outcome.Reason = "guard " + k.guards[i] + " failed: " + err.Error()
			return outcome
		}
		if pass, _ := result.(bool); !pass {
			outcome.Reason = "guard " + k.guards[i] + " doesn't hold"
			return outcome
		}
	}

	cp, err := gs.Checkpoint()
	if err != nil {
		outcome.Reason = err.Error()
		return outcome
	}
	if err := runHandler(k, gs, env); err != nil {
		if rbErr := cp.Rollback(); rbErr != nil {
			outcome.Reason = reason(err) + " (rollback failed: " + rbErr.Error() + ")"
			return outcome
		}
		outcome.Reason = reason(err)
		return outcome
	}
	cp.Commit()
	outcome.Applied = true
	return outcome
}

// runHandler calls the handler and turns a panic into an error.
func runHandler(k *kind, gs *state.GameState, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("handler for %s panicked: %v", k.name, r)
		}
	}()
	return k.apply(gs, env.Issuer, env.Payload)
}
