package action

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// initialQueueCapacity is the starting capacity of the queue.
const initialQueueCapacity = 1024

// Queue is an unbounded FIFO of validated actions. Enqueue is safe from any goroutine; Drain is
// called by the tick loop once per tick and returns every action enqueued before it, in order.
// Actions enqueued while a tick runs are returned by the next Drain.
type Queue struct {
	registry *Registry

	mu        sync.Mutex
	envelopes []Envelope
	nextSeq   uint64
}

// NewQueue creates a queue that validates actions against registry.
func NewQueue(registry *Registry) *Queue {
	return &Queue{
		registry:  registry,
		envelopes: make([]Envelope, 0, initialQueueCapacity),
	}
}

// Registry returns the registry the queue validates against.
func (q *Queue) Registry() *Registry {
	return q.registry
}

// Enqueue validates a typed action and appends it to the queue. Returns the envelope ID, or an
// error wrapping ErrInvalidAction if the action isn't valid, in which case nothing is queued.
func (q *Queue) Enqueue(issuer string, a Action) (uuid.UUID, error) {
	if err := q.registry.Validate(a); err != nil {
		return uuid.Nil, err
	}
	return q.push(issuer, a), nil
}

// EnqueueJSON validates a raw JSON payload of the given kind against its schema, decodes it and
// appends it to the queue.
func (q *Queue) EnqueueJSON(kind, issuer string, payload []byte) (uuid.UUID, error) {
	a, err := q.registry.Decode(kind, payload)
	if err != nil {
		return uuid.Nil, err
	}
	return q.push(issuer, a), nil
}

func (q *Queue) push(issuer string, a Action) uuid.UUID {
	id := uuid.New()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.envelopes = append(q.envelopes, Envelope{
		ID:      id,
		Seq:     q.nextSeq,
		Issuer:  issuer,
		Payload: a,
	})
	q.nextSeq++
	return id
}

// Drain removes and returns every queued action in enqueue order.
func (q *Queue) Drain() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.envelopes) == 0 {
		return nil
	}
	batch := make([]Envelope, len(q.envelopes))
	copy(batch, q.envelopes)
	clear(q.envelopes) // Drop payload references
	q.envelopes = q.envelopes[:0]
	return batch
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.envelopes)
}

// Restore puts previously drained envelopes back in front of the queue, keeping their IDs and
// sequence numbers. Used when replaying a recorded action log.
func (q *Queue) Restore(batch []Envelope) error {
	for _, env := range batch {
		if err := q.registry.Validate(env.Payload); err != nil {
			return eris.Wrapf(err, "envelope %s", env.ID)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.envelopes = append(append(make([]Envelope, 0, len(batch)+len(q.envelopes)), batch...), q.envelopes...)
	for _, env := range batch {
		q.nextSeq = max(q.nextSeq, env.Seq+1)
	}
	return nil
}
