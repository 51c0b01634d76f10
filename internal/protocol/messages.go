package protocol

import "encoding/json"

// HELLO (producer -> recorder)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Producer        string     `json:"producer"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (recorder -> producer)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	WorldID         string `json:"world_id"`
}

type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
}

type Block struct {
	Pos  [3]int `json:"pos"`
	Type string `json:"type"`
}

// RECORD (producer -> recorder): one world change. Existing is the block that was there before
// the change, Replacement the block after it.
type RecordMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	Actor           Actor  `json:"actor"`
	Existing        *Block `json:"existing,omitempty"`
	Replacement     *Block `json:"replacement,omitempty"`
}

// ACK outcomes.
const (
	OutcomeSubmitted  = "submitted"
	OutcomeUnresolved = "unresolved"
	OutcomeDropped    = "dropped"
	OutcomeRejected   = "rejected"
)

// ACK (recorder -> producer)
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	Outcome         string `json:"outcome"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// RECORDS_REQ (consumer -> recorder): page through committed records after a cursor.
type RecordsReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	SinceCursor     uint64 `json:"since_cursor"`
	Limit           int    `json:"limit"`
	Actor           string `json:"actor,omitempty"`
}

type RecordsBatchItem struct {
	Cursor uint64          `json:"cursor"`
	Kind   string          `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// RECORDS_BATCH (recorder -> consumer)
type RecordsBatchMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	ReqID           string             `json:"req_id"`
	Records         []RecordsBatchItem `json:"records"`
	NextCursor      uint64             `json:"next_cursor"`
}

// ERROR (recorder -> peer) for messages that cannot be answered with an ACK.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
