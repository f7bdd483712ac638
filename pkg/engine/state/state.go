// Package state implements the columnar game state: named tables of equally long, homogeneously
// typed columns, accessed through read and write views.
package state

import (
	"slices"
	"sync"

	"github.com/openpower/engine/pkg/assert"
	"github.com/rotisserie/eris"
)

// GameState holds every table of a session. Views, structural changes and checkpoints are
// coordinated through a single mutex; the data itself is only touched through views.
type GameState struct {
	mu      sync.Mutex
	tables  map[string]*table
	globals Globals

	inTick     bool        // Structural changes are rejected while systems run
	checkpoint *Checkpoint // Active checkpoint, if any
}

// New creates an empty game state.
func New() *GameState {
	return &GameState{
		tables:  make(map[string]*table),
		globals: Globals{values: make(map[string]any)},
	}
}

// CreateTable adds an empty table with the given schema.
func (gs *GameState) CreateTable(name string, schema Schema) error {
	if name == "" {
		return eris.New("table name cannot be empty")
	}
	if err := schema.Validate(); err != nil {
		return eris.Wrapf(err, "table %q", name)
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if _, exists := gs.tables[name]; exists {
		return eris.Wrapf(ErrTableExists, "table %q", name)
	}
	if gs.inTick {
		return eris.Wrapf(ErrStateMutationConflict, "cannot create table %q during a tick", name)
	}
	gs.tables[name] = newTable(name, schema)
	return nil
}

// HasTable reports whether a table exists.
func (gs *GameState) HasTable(name string) bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	_, ok := gs.tables[name]
	return ok
}

// Tables returns the table names in ascending order.
func (gs *GameState) Tables() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.sortedNames()
}

func (gs *GameState) sortedNames() []string {
	names := make([]string, 0, len(gs.tables))
	for name := range gs.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Schema returns the schema of a table.
func (gs *GameState) Schema(name string) (Schema, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	t, ok := gs.tables[name]
	if !ok {
		return nil, eris.Wrapf(ErrTableNotFound, "table %q", name)
	}
	return t.schema.Clone(), nil
}

// Read acquires a shared read view of a table. Fails with ErrStateMutationConflict if a write view
// of the table is held. Acquisition never blocks.
func (gs *GameState) Read(name string) (*ReadView, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	t, ok := gs.tables[name]
	if !ok {
		return nil, eris.Wrapf(ErrTableNotFound, "table %q", name)
	}
	if t.writer {
		return nil, eris.Wrapf(ErrStateMutationConflict, "table %q is held for writing", name)
	}
	t.readers++
	return &ReadView{view{gs: gs, t: t}}, nil
}

// Write acquires an exclusive write view of a table. Fails with ErrStateMutationConflict if any
// other view of the table is held. Acquisition never blocks.
func (gs *GameState) Write(name string) (*WriteView, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	t, ok := gs.tables[name]
	if !ok {
		return nil, eris.Wrapf(ErrTableNotFound, "table %q", name)
	}
	if t.held() {
		return nil, eris.Wrapf(ErrStateMutationConflict, "table %q is already held", name)
	}
	gs.save(t)
	t.writer = true
	return &WriteView{view{gs: gs, t: t, write: true}}, nil
}

func (gs *GameState) release(t *table, write bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if write {
		assert.That(t.writer, "released a write view of %q that wasn't held", t.name)
		t.writer = false
		return
	}
	assert.That(t.readers > 0, "released a read view of %q that wasn't held", t.name)
	t.readers--
}

// InsertRows appends rows to a table. Every row must carry exactly the schema's columns with
// values of the right type, otherwise nothing is inserted and ErrSchemaViolation is returned.
func (gs *GameState) InsertRows(name string, rows []Row) error {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	t, err := gs.structural(name)
	if err != nil {
		return err
	}
	gs.save(t)
	if err := t.insert(rows); err != nil {
		return eris.Wrapf(err, "table %q", name)
	}
	return nil
}

// DeleteRows removes every row for which pred returns true and returns the number removed. The
// order of the remaining rows is preserved.
func (gs *GameState) DeleteRows(name string, pred func(RowView) bool) (int, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	t, err := gs.structural(name)
	if err != nil {
		return 0, err
	}
	gs.save(t)
	return t.remove(pred), nil
}

// structural returns the table for a structural change, or an error if a change isn't allowed.
func (gs *GameState) structural(name string) (*table, error) {
	t, ok := gs.tables[name]
	if !ok {
		return nil, eris.Wrapf(ErrTableNotFound, "table %q", name)
	}
	if gs.inTick {
		return nil, eris.Wrapf(ErrStateMutationConflict, "cannot change rows of %q while systems run", name)
	}
	if t.held() {
		return nil, eris.Wrapf(ErrStateMutationConflict, "cannot change rows of %q while a view is held", name)
	}
	return t, nil
}

// BeginTick marks the start of system execution. Until EndTick, tables can only be changed in
// place through write views.
func (gs *GameState) BeginTick() {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	assert.That(!gs.inTick, "BeginTick called twice")
	gs.inTick = true
}

// EndTick marks the end of system execution.
func (gs *GameState) EndTick() {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	assert.That(gs.inTick, "EndTick called without BeginTick")
	gs.inTick = false
}

// Globals returns the session-wide key/value area.
func (gs *GameState) Globals() *Globals {
	return &gs.globals
}

// Snapshot returns a deep copy of every table, ordered by table name, and of the globals.
func (gs *GameState) Snapshot() *Image {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	img := &Image{
		Tables:  make([]TableImage, 0, len(gs.tables)),
		Globals: gs.globals.clone(),
	}
	for _, name := range gs.sortedNames() {
		img.Tables = append(img.Tables, gs.tables[name].image())
	}
	return img
}

// Restore replaces every table and the globals with a copy of img. Fails with
// ErrStateMutationConflict if any view is held, in which case the state is unchanged.
func (gs *GameState) Restore(img *Image) error {
	if img == nil {
		return eris.New("image cannot be nil")
	}

	tables := make(map[string]*table, len(img.Tables))
	for _, ti := range img.Tables {
		if _, exists := tables[ti.Name]; exists {
			return eris.Wrapf(ErrTableExists, "image contains table %q twice", ti.Name)
		}
		t, err := tableFromImage(ti)
		if err != nil {
			return eris.Wrap(err, "failed to restore image")
		}
		tables[ti.Name] = t
	}
	globals, err := globalsFromMap(img.Globals)
	if err != nil {
		return eris.Wrap(err, "failed to restore image")
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.inTick || gs.checkpoint != nil {
		return eris.Wrap(ErrStateMutationConflict, "cannot restore during a tick")
	}
	for name, t := range gs.tables {
		if t.held() {
			return eris.Wrapf(ErrStateMutationConflict, "cannot restore while table %q is held", name)
		}
	}
	gs.tables = tables
	gs.globals.replace(globals)
	return nil
}

// -------------------------------------------------------------------------------------------------
// Checkpoints
// -------------------------------------------------------------------------------------------------

// Checkpoint records the contents of tables as they were before they were first opened for writing
// or changed structurally, so that the changes can be undone. Only one checkpoint can be active.
type Checkpoint struct {
	gs     *GameState
	saved  map[string]TableImage
	closed bool
}

// Checkpoint starts a checkpoint. The named tables are saved immediately; any other table is saved
// on demand the first time it is written. Close the checkpoint with Commit or Rollback.
func (gs *GameState) Checkpoint(tables ...string) (*Checkpoint, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.checkpoint != nil {
		return nil, eris.Wrap(ErrStateMutationConflict, "a checkpoint is already active")
	}
	cp := &Checkpoint{gs: gs, saved: make(map[string]TableImage)}
	for _, name := range tables {
		t, ok := gs.tables[name]
		if !ok {
			return nil, eris.Wrapf(ErrTableNotFound, "table %q", name)
		}
		cp.saved[name] = t.image()
	}
	gs.checkpoint = cp
	return cp, nil
}

// save records the table in the active checkpoint, if there is one and the table isn't saved yet.
func (gs *GameState) save(t *table) {
	if gs.checkpoint == nil {
		return
	}
	if _, ok := gs.checkpoint.saved[t.name]; ok {
		return
	}
	gs.checkpoint.saved[t.name] = t.image()
}

// Tables returns the names of the tables saved so far, in ascending order.
func (cp *Checkpoint) Tables() []string {
	cp.gs.mu.Lock()
	defer cp.gs.mu.Unlock()
	names := make([]string, 0, len(cp.saved))
	for name := range cp.saved {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Commit keeps all changes and closes the checkpoint.
func (cp *Checkpoint) Commit() {
	cp.gs.mu.Lock()
	defer cp.gs.mu.Unlock()
	cp.close()
}

// Rollback restores every saved table and closes the checkpoint. All views on saved tables must
// have been released.
func (cp *Checkpoint) Rollback() error {
	cp.gs.mu.Lock()
	defer cp.gs.mu.Unlock()

	if cp.closed {
		return eris.New("checkpoint already closed")
	}
	for name := range cp.saved {
		if t, ok := cp.gs.tables[name]; ok && t.held() {
			return eris.Wrapf(ErrStateMutationConflict, "cannot roll back while table %q is held", name)
		}
	}
	for name, img := range cp.saved {
		err := cp.gs.tables[name].restoreFrom(img)
		assert.That(err == nil, "failed to roll back table %q: %v", name, err)
	}
	cp.close()
	return nil
}

func (cp *Checkpoint) close() {
	if cp.closed {
		return
	}
	cp.closed = true
	if cp.gs.checkpoint == cp {
		cp.gs.checkpoint = nil
	}
	cp.saved = nil
}
