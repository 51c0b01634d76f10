package records

import (
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventBlockBreak EventType = "block-break"
	EventBlockPlace EventType = "block-place"
)

func (t EventType) Known() bool {
	switch t {
	case EventBlockBreak, EventBlockPlace:
		return true
	}
	return false
}

// ChangeKind selects which block slot a snapshot fills.
type ChangeKind int

const (
	Removal ChangeKind = iota + 1
	Placement
)

func (k ChangeKind) String() string {
	switch k {
	case Removal:
		return "removal"
	case Placement:
		return "placement"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

type Vec3i struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vec3i) ToArray() [3]int { return [3]int{v.X, v.Y, v.Z} }

func (v Vec3i) String() string { return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z) }

// BlockSnapshot samples one world location. An empty Type means absent.
type BlockSnapshot struct {
	Pos  Vec3i  `json:"pos"`
	Type string `json:"type"`
}

func (b BlockSnapshot) Absent() bool { return strings.TrimSpace(b.Type) == "" }

// ActorRef identifies who caused an event.
type ActorRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
}

func Player(id string) ActorRef { return ActorRef{ID: id, Kind: "player"} }

// EventSource is the immutable actor context embedded in a record.
type EventSource struct {
	actor ActorRef
}

func NewEventSource(ref ActorRef) EventSource { return EventSource{actor: ref} }

func (s EventSource) ID() string    { return s.actor.ID }
func (s EventSource) Name() string  { return s.actor.Name }
func (s EventSource) Kind() string  { return s.actor.Kind }
func (s EventSource) Ref() ActorRef { return s.actor }
func (s EventSource) IsZero() bool  { return s.actor.ID == "" }

func (s EventSource) String() string {
	if s.actor.Name != "" {
		return s.actor.Name + "<" + s.actor.ID + ">"
	}
	return s.actor.ID
}

// Record is one immutable world-change event. The set of implementations is closed.
type Record interface {
	RecordID() string
	EventType() EventType
	Actor() EventSource
	OccurredAt() time.Time
	Describe() string

	isRecord()
}

// BlockEventRecord describes a change to a single block. BlockType is what existed before the
// change; NewType is what exists after it (empty when unknown or air).
type BlockEventRecord struct {
	ID        string
	Type      EventType
	Source    EventSource
	Time      time.Time
	Pos       Vec3i
	BlockType string
	NewType   string
}

func (r BlockEventRecord) RecordID() string      { return r.ID }
func (r BlockEventRecord) EventType() EventType  { return r.Type }
func (r BlockEventRecord) Actor() EventSource    { return r.Source }
func (r BlockEventRecord) OccurredAt() time.Time { return r.Time }
func (BlockEventRecord) isRecord()               {}

func (r BlockEventRecord) Describe() string {
	switch r.Type {
	case EventBlockBreak:
		return fmt.Sprintf("%s broke %s at %s", r.Source, r.BlockType, r.Pos)
	case EventBlockPlace:
		return fmt.Sprintf("%s placed %s at %s", r.Source, r.NewType, r.Pos)
	default:
		return fmt.Sprintf("%s %s at %s", r.Source, r.Type, r.Pos)
	}
}
