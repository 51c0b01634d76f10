package records

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Queue accepts finished records. Implementations must be safe for concurrent use and must not
// block the caller on persistence.
type Queue interface {
	Submit(rec Record) error
}

// Diagnostics observes Submit calls that produced no record.
type Diagnostics interface {
	RecordUnresolved(reason error)
}

type Outcome int

const (
	OutcomeSubmitted Outcome = iota + 1
	OutcomeUnresolved
	OutcomeDropped
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSubmitted:
		return "submitted"
	case OutcomeUnresolved:
		return "unresolved"
	case OutcomeDropped:
		return "dropped"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

type Option func(*session)

func WithClock(now func() time.Time) Option {
	return func(s *session) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDFunc(newID func() string) Option {
	return func(s *session) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *session) { s.log = l }
}

func WithDiagnostics(d Diagnostics) Option {
	return func(s *session) { s.diag = d }
}

// session is shared by every Builder value derived from one NewBuilder call.
type session struct {
	queue Queue
	now   func() time.Time
	newID func() string
	log   *log.Logger
	diag  Diagnostics

	finalized atomic.Bool
}

// action is the configured event kind. A nil action means none was configured.
type action interface {
	isAction()
}

type blockChange struct {
	tag         EventType
	existing    *BlockSnapshot
	replacement *BlockSnapshot
}

func (blockChange) isAction() {}

// Builder accumulates one event and submits it exactly once.
//
// Builder is a value: Actor and BlockChange return a new Builder and never modify the receiver,
// so a failed call leaves the caller's Builder as it was. All values derived from one NewBuilder
// call share a session, and only the first Submit among them is honored.
//
//	b, err := records.NewBuilder(q).Actor(records.Player("player-42"))
//	b, err = b.BlockChange(snap, records.Removal)
//	outcome, err := b.Submit()
type Builder struct {
	s      *session
	source *EventSource
	action action
}

func NewBuilder(q Queue, opts ...Option) Builder {
	s := &session{
		queue: q,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	// Queues that count unresolved records get them by default.
	if s.diag == nil {
		if d, ok := q.(Diagnostics); ok {
			s.diag = d
		}
	}
	return Builder{s: s}
}

func (b Builder) Actor(ref ActorRef) (Builder, error) {
	if err := b.checkOpen(); err != nil {
		return b, err
	}
	if strings.TrimSpace(ref.ID) == "" {
		return b, fmt.Errorf("%w: empty actor id", ErrInvalidInput)
	}
	src := NewEventSource(ref)
	b.source = &src
	return b, nil
}

func (b Builder) BlockChange(snap BlockSnapshot, kind ChangeKind) (Builder, error) {
	if err := b.checkOpen(); err != nil {
		return b, err
	}
	if snap.Absent() {
		return b, fmt.Errorf("%w: absent block snapshot", ErrInvalidInput)
	}

	var next blockChange
	if cur, ok := b.action.(blockChange); ok {
		next = cur
	}
	s := snap
	switch kind {
	case Removal:
		next.tag = EventBlockBreak
		next.existing = &s
	case Placement:
		next.tag = EventBlockPlace
		next.replacement = &s
	default:
		return b, fmt.Errorf("%w: unknown change kind %s", ErrInvalidInput, kind)
	}
	b.action = next
	return b, nil
}

// Submit finalizes the session, resolves the record variant and hands it to the queue.
//
// A session without a resolvable action yields OutcomeUnresolved and a nil error; nothing is
// queued. Calling Submit again on any value of the same session returns ErrInvalidState.
func (b Builder) Submit() (Outcome, error) {
	if b.s == nil {
		return OutcomeRejected, fmt.Errorf("%w: zero builder", ErrInvalidState)
	}
	if !b.s.finalized.CompareAndSwap(false, true) {
		return OutcomeRejected, ErrInvalidState
	}

	rec, err := b.resolve()
	if err != nil {
		b.unresolved(err)
		return OutcomeUnresolved, nil
	}
	if b.s.queue == nil {
		return OutcomeDropped, errors.New("records: no queue")
	}
	if err := b.s.queue.Submit(rec); err != nil {
		b.logf("record drop id=%s type=%s err=%v", rec.RecordID(), rec.EventType(), err)
		return OutcomeDropped, fmt.Errorf("submit %s: %w", rec.EventType(), err)
	}
	return OutcomeSubmitted, nil
}

// Finalized reports whether Submit was already called on this session.
func (b Builder) Finalized() bool {
	return b.s != nil && b.s.finalized.Load()
}

func (b Builder) resolve() (Record, error) {
	switch a := b.action.(type) {
	case nil:
		return nil, fmt.Errorf("%w: no action configured", ErrUnresolvedRecord)
	case blockChange:
		if b.source == nil {
			return nil, fmt.Errorf("%w: %s without actor", ErrUnresolvedRecord, a.tag)
		}
		rec := BlockEventRecord{
			ID:     b.s.newID(),
			Type:   a.tag,
			Source: *b.source,
			Time:   b.s.now().UTC(),
		}
		switch {
		case a.existing != nil && a.replacement == nil:
			rec.Pos = a.existing.Pos
			rec.BlockType = a.existing.Type
		case a.existing == nil && a.replacement != nil:
			rec.Pos = a.replacement.Pos
			rec.NewType = a.replacement.Type
		default:
			return nil, fmt.Errorf("%w: both existing and replacement blocks set", ErrUnresolvedRecord)
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("%w: unsupported action %T", ErrUnresolvedRecord, a)
	}
}

func (b Builder) checkOpen() error {
	if b.s == nil {
		return fmt.Errorf("%w: zero builder", ErrInvalidState)
	}
	if b.s.finalized.Load() {
		return ErrInvalidState
	}
	return nil
}

func (b Builder) unresolved(reason error) {
	if b.s.diag != nil {
		b.s.diag.RecordUnresolved(reason)
	}
	b.logf("record unresolved reason=%q", reason.Error())
}

func (b Builder) logf(format string, args ...any) {
	if b.s.log != nil {
		b.s.log.Printf(format, args...)
	}
}
