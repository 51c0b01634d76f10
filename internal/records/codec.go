package records

import (
	"encoding/json"
	"fmt"
	"time"
)

const KindBlock = "block"

// Envelope is the persisted form of a record: one JSON object per log line, index row or
// remote batch item.
type Envelope struct {
	Seq    uint64          `json:"seq"`
	Kind   string          `json:"kind"`
	Record json.RawMessage `json:"record"`
}

type blockJSON struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Actor     ActorRef  `json:"actor"`
	Time      time.Time `json:"time"`
	Pos       [3]int    `json:"pos"`
	BlockType string    `json:"block_type,omitempty"`
	NewType   string    `json:"new_type,omitempty"`
}

func Encode(seq uint64, rec Record) (Envelope, error) {
	switch r := rec.(type) {
	case BlockEventRecord:
		raw, err := json.Marshal(blockJSON{
			ID:        r.ID,
			Type:      r.Type,
			Actor:     r.Source.Ref(),
			Time:      r.Time,
			Pos:       r.Pos.ToArray(),
			BlockType: r.BlockType,
			NewType:   r.NewType,
		})
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Seq: seq, Kind: KindBlock, Record: raw}, nil
	case nil:
		return Envelope{}, fmt.Errorf("encode: nil record")
	default:
		return Envelope{}, fmt.Errorf("encode: unsupported record %T", rec)
	}
}

func Marshal(seq uint64, rec Record) ([]byte, error) {
	env, err := Encode(seq, rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (e Envelope) Decode() (Record, error) {
	switch e.Kind {
	case KindBlock:
		var b blockJSON
		if err := json.Unmarshal(e.Record, &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Kind, err)
		}
		if !b.Type.Known() {
			return nil, fmt.Errorf("decode %s: unknown event type %q", e.Kind, b.Type)
		}
		return BlockEventRecord{
			ID:        b.ID,
			Type:      b.Type,
			Source:    NewEventSource(b.Actor),
			Time:      b.Time,
			Pos:       Vec3i{X: b.Pos[0], Y: b.Pos[1], Z: b.Pos[2]},
			BlockType: b.BlockType,
			NewType:   b.NewType,
		}, nil
	default:
		return nil, fmt.Errorf("decode: unknown kind %q", e.Kind)
	}
}

func Unmarshal(b []byte) (uint64, Record, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return 0, nil, err
	}
	rec, err := env.Decode()
	if err != nil {
		return 0, nil, err
	}
	return env.Seq, rec, nil
}
