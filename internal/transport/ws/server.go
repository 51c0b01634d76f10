package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"worldaudit.ai/internal/protocol"
	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
)

const maxBatchLimit = 1000

// RecordReader pages through committed records for RECORDS_REQ.
type RecordReader interface {
	ReadRecords(ctx context.Context, afterSeq uint64, actor string, limit int) ([]recording.Entry, error)
}

type Config struct {
	WorldID string
	// Token, when set, must match HELLO auth.token.
	Token string
	// BuilderOptions are applied to every record builder.
	BuilderOptions []records.Option
}

// Server accepts producer connections. Each connection is one producer: its RECORD messages
// are handled in arrival order, so they reach the queue in that order.
type Server struct {
	queue     records.Queue
	reader    RecordReader
	validator *protocol.Validator
	cfg       Config
	log       *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(q records.Queue, reader RecordReader, v *protocol.Validator, cfg Config, logger *log.Logger) *Server {
	return &Server{
		queue:     q,
		reader:    reader,
		validator: v,
		cfg:       cfg,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // producers are servers, not browsers
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		producer, sessionID, ok := s.handshake(conn)
		if !ok {
			return
		}
		s.logf("session open producer=%s session=%s remote=%s", producer, sessionID, r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan []byte, 256)
		done := make(chan struct{})

		// Writer goroutine.
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		send := func(v any) {
			b, err := json.Marshal(v)
			if err != nil {
				return
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				send(errorMsg(protocol.ErrProtoBadRequest, "malformed json"))
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				send(errorMsg(protocol.ErrProtoVersion, "unsupported protocol_version "+base.ProtocolVersion))
				continue
			}
			switch base.Type {
			case protocol.TypeRecord:
				if err := s.validator.Validate(base.Type, msg); err != nil {
					send(errorMsg(protocol.ErrProtoBadRequest, err.Error()))
					continue
				}
				var rm protocol.RecordMsg
				if err := json.Unmarshal(msg, &rm); err != nil {
					send(errorMsg(protocol.ErrProtoBadRequest, err.Error()))
					continue
				}
				send(s.handleRecord(rm))
			case protocol.TypeRecordsReq:
				if err := s.validator.Validate(base.Type, msg); err != nil {
					send(errorMsg(protocol.ErrProtoBadRequest, err.Error()))
					continue
				}
				var req protocol.RecordsReqMsg
				if err := json.Unmarshal(msg, &req); err != nil {
					send(errorMsg(protocol.ErrProtoBadRequest, err.Error()))
					continue
				}
				send(s.handleRecordsReq(ctx, req))
			default:
				send(errorMsg(protocol.ErrProtoBadRequest, "unexpected message type "+base.Type))
			}
		}

		// Let queued replies drain before the deferred Close.
		cancel()
		<-done
		s.logf("session closed producer=%s session=%s", producer, sessionID)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (producer, sessionID string, ok bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", "", false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return "", "", false
	}
	if base.ProtocolVersion != protocol.Version {
		s.writeJSON(conn, errorMsg(protocol.ErrProtoVersion, "unsupported protocol_version "+base.ProtocolVersion))
		s.closeWith(conn, websocket.ClosePolicyViolation, "unsupported protocol_version")
		return "", "", false
	}
	if err := s.validator.Validate(protocol.TypeHello, msg); err != nil {
		s.writeJSON(conn, errorMsg(protocol.ErrProtoBadRequest, err.Error()))
		s.closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return "", "", false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", "", false
	}
	if s.cfg.Token != "" && (hello.Auth == nil || hello.Auth.Token != s.cfg.Token) {
		s.writeJSON(conn, errorMsg(protocol.ErrUnauthorized, "bad token"))
		s.closeWith(conn, websocket.ClosePolicyViolation, "unauthorized")
		return "", "", false
	}

	sessionID = uuid.NewString()
	s.writeJSON(conn, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		WorldID:         s.cfg.WorldID,
	})
	return strings.TrimSpace(hello.Producer), sessionID, true
}

// handleRecord runs one RECORD through a fresh builder.
func (s *Server) handleRecord(m protocol.RecordMsg) protocol.AckMsg {
	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		Ref:             m.Ref,
	}
	reject := func(code string, err error) protocol.AckMsg {
		ack.Outcome = protocol.OutcomeRejected
		ack.Code = code
		ack.Message = err.Error()
		return ack
	}

	b := records.NewBuilder(s.queue, s.cfg.BuilderOptions...)
	b, err := b.Actor(records.ActorRef{ID: m.Actor.ID, Name: m.Actor.Name, Kind: m.Actor.Kind})
	if err != nil {
		return reject(protocol.ErrBadRequest, err)
	}
	if m.Existing != nil {
		if b, err = b.BlockChange(snapshotOf(*m.Existing), records.Removal); err != nil {
			return reject(protocol.ErrBadRequest, err)
		}
	}
	if m.Replacement != nil {
		if b, err = b.BlockChange(snapshotOf(*m.Replacement), records.Placement); err != nil {
			return reject(protocol.ErrBadRequest, err)
		}
	}

	out, err := b.Submit()
	ack.Outcome = outcomeName(out)
	switch {
	case err == nil:
		if out == records.OutcomeUnresolved {
			ack.Message = "no supported block change"
		}
	case errors.Is(err, recording.ErrQueueFull):
		ack.Code = protocol.ErrBusy
		ack.Message = err.Error()
	case errors.Is(err, recording.ErrQueueClosed):
		ack.Code = protocol.ErrUnavailable
		ack.Message = err.Error()
	default:
		ack.Code = protocol.ErrInternal
		ack.Message = err.Error()
	}
	return ack
}

func (s *Server) handleRecordsReq(ctx context.Context, req protocol.RecordsReqMsg) any {
	if s.reader == nil {
		return errorMsg(protocol.ErrUnavailable, "record index disabled")
	}
	limit := req.Limit
	if limit <= 0 || limit > maxBatchLimit {
		limit = maxBatchLimit
	}
	entries, err := s.reader.ReadRecords(ctx, req.SinceCursor, req.Actor, limit)
	if err != nil {
		s.logf("records req failed req=%s err=%v", req.ReqID, err)
		return errorMsg(protocol.ErrInternal, "read records failed")
	}
	resp := protocol.RecordsBatchMsg{
		Type:            protocol.TypeRecordsBatch,
		ProtocolVersion: protocol.Version,
		ReqID:           req.ReqID,
		Records:         make([]protocol.RecordsBatchItem, 0, len(entries)),
		NextCursor:      req.SinceCursor,
	}
	for _, e := range entries {
		env, err := records.Encode(e.Seq, e.Record)
		if err != nil {
			continue
		}
		resp.Records = append(resp.Records, protocol.RecordsBatchItem{Cursor: e.Seq, Kind: env.Kind, Record: env.Record})
		resp.NextCursor = e.Seq
	}
	return resp
}

func snapshotOf(b protocol.Block) records.BlockSnapshot {
	return records.BlockSnapshot{
		Pos:  records.Vec3i{X: b.Pos[0], Y: b.Pos[1], Z: b.Pos[2]},
		Type: b.Type,
	}
}

func outcomeName(o records.Outcome) string {
	switch o {
	case records.OutcomeSubmitted:
		return protocol.OutcomeSubmitted
	case records.OutcomeUnresolved:
		return protocol.OutcomeUnresolved
	case records.OutcomeDropped:
		return protocol.OutcomeDropped
	default:
		return protocol.OutcomeRejected
	}
}

func errorMsg(code, msg string) protocol.ErrorMsg {
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
