package action_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/openpower/engine/pkg/engine/action"
	"github.com/openpower/engine/pkg/engine/state"
	"github.com/openpower/engine/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop[T action.Action](*state.GameState, string, T) error { return nil }

func newTestQueue(t *testing.T) *action.Queue {
	t.Helper()
	reg := action.NewRegistry()
	require.NoError(t, action.Register(reg, noop[testutils.ActionA]))
	require.NoError(t, action.Register(reg, noop[testutils.ActionB]))
	require.NoError(t, action.Register(reg, noop[testutils.ActionC]))
	return action.NewQueue(reg)
}

// -------------------------------------------------------------------------------------------------
// Model-based fuzzing queue operations
// -------------------------------------------------------------------------------------------------
// This test compares the queue against a plain slice. Random enqueue and drain operations are
// applied to both; every drain must return exactly the actions enqueued since the previous drain,
// in insertion order.
// -------------------------------------------------------------------------------------------------

func TestQueue_ModelFuzz(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	const opsMax = 1 << 12

	impl := newTestQueue(t)
	var model []action.Action
	var lastSeq uint64
	var seenSeq bool

	for range opsMax {
		switch testutils.RandWeightedOp(prng, queueOps) {
		case q_enqueue:
			var a action.Action
			switch prng.IntN(3) {
			case 0:
				a = testutils.ActionA{Value: prng.Int()}
			case 1:
				a = testutils.ActionB{Target: testutils.RandString(prng, 3), Rate: prng.Float64()}
			default:
				a = testutils.ActionC{Flags: []bool{prng.IntN(2) == 0}, Counter: uint16(prng.IntN(1 << 16))}
			}
			id, err := impl.Enqueue("FRA", a)
			require.NoError(t, err)
			assert.NotEqual(t, uuid.Nil, id)
			model = append(model, a)

		case q_drain:
			batch := impl.Drain()

			// Property: a drain returns exactly what was enqueued since the last drain, in order.
			require.Len(t, batch, len(model))
			for i, env := range batch {
				assert.Equal(t, model[i], env.Payload, "drain position %d mismatch", i)
				assert.Equal(t, "FRA", env.Issuer)
				// Property: sequence numbers strictly increase across drains.
				if seenSeq {
					assert.Greater(t, env.Seq, lastSeq)
				}
				lastSeq, seenSeq = env.Seq, true
			}
			model = model[:0]

			// Property: the queue is empty after a drain.
			assert.Equal(t, 0, impl.Len())

		default:
			panic("unreachable")
		}
	}
}

type queueOp uint8

const (
	q_enqueue queueOp = 80
	q_drain   queueOp = 20
)

var queueOps = []queueOp{q_enqueue, q_drain}

// -------------------------------------------------------------------------------------------------
// Enqueue validation
// -------------------------------------------------------------------------------------------------

type unregistered struct{}

func (unregistered) Name() string { return "unregistered" }

// impostor reuses a registered kind name with a different Go type.
type impostor struct{ Value string }

func (impostor) Name() string { return "action_a" }

func TestQueue_EnqueueRejectsInvalid(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)

	_, err := q.Enqueue("FRA", unregistered{})
	require.ErrorIs(t, err, action.ErrInvalidAction)
	_, err = q.Enqueue("FRA", impostor{Value: "x"})
	require.ErrorIs(t, err, action.ErrInvalidAction)
	_, err = q.Enqueue("FRA", nil)
	require.ErrorIs(t, err, action.ErrInvalidAction)

	// Property: invalid actions are never queued.
	assert.Equal(t, 0, q.Len())
}

func TestQueue_EnqueueJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		kind    string
		payload string
		want    action.Action
		wantErr bool
	}{
		{name: "valid", kind: "action_b", payload: `{"Target":"GER","Rate":0.25}`,
			want: testutils.ActionB{Target: "GER", Rate: 0.25}},
		{name: "nested array", kind: "action_c", payload: `{"Flags":[true,false],"Counter":7}`,
			want: testutils.ActionC{Flags: []bool{true, false}, Counter: 7}},
		{name: "unknown kind", kind: "nope", payload: `{}`, wantErr: true},
		{name: "invalid json", kind: "action_a", payload: `{"Value":`, wantErr: true},
		{name: "wrong type", kind: "action_a", payload: `{"Value":"three"}`, wantErr: true},
		{name: "fractional integer", kind: "action_a", payload: `{"Value":1.5}`, wantErr: true},
		{name: "missing field", kind: "action_b", payload: `{"Target":"GER"}`, wantErr: true},
		{name: "unknown field", kind: "action_a", payload: `{"Value":1,"Extra":true}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := newTestQueue(t)
			_, err := q.EnqueueJSON(tt.kind, "FRA", []byte(tt.payload))
			if tt.wantErr {
				require.ErrorIs(t, err, action.ErrInvalidAction)
				assert.Equal(t, 0, q.Len())
				return
			}
			require.NoError(t, err)
			batch := q.Drain()
			require.Len(t, batch, 1)
			assert.Equal(t, tt.want, batch[0].Payload)
		})
	}
}

// -------------------------------------------------------------------------------------------------
// Concurrency
// -------------------------------------------------------------------------------------------------

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	t.Parallel()

	const producers = 8
	const perProducer = 500

	q := newTestQueue(t)
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				_, err := q.Enqueue("AI", testutils.ActionA{Value: p*perProducer + i})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	batch := q.Drain()
	require.Len(t, batch, producers*perProducer)

	// Property: each producer's actions keep their relative order.
	last := make(map[int]int)
	for _, env := range batch {
		v := env.Payload.(testutils.ActionA).Value
		p := v / perProducer
		if prev, ok := last[p]; ok {
			assert.Greater(t, v, prev)
		}
		last[p] = v
	}
}

func TestQueue_Restore(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	_, err := q.Enqueue("FRA", testutils.ActionA{Value: 1})
	require.NoError(t, err)
	replayed := q.Drain()

	_, err = q.Enqueue("FRA", testutils.ActionA{Value: 2})
	require.NoError(t, err)
	require.NoError(t, q.Restore(replayed))

	batch := q.Drain()
	require.Len(t, batch, 2)
	assert.Equal(t, replayed[0].ID, batch[0].ID)
	assert.Equal(t, testutils.ActionA{Value: 2}, batch[1].Payload)

	require.ErrorIs(t, q.Restore([]action.Envelope{{Payload: unregistered{}}}), action.ErrInvalidAction)
}
