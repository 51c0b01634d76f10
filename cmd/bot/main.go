package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"worldaudit.ai/internal/protocol"
)

var blockTypes = []string{"stone", "dirt", "grass_block", "oak_log", "cobblestone", "sand"}

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ingest", "ingest ws url")
		name    = flag.String("name", "bot", "producer name")
		token   = flag.String("token", "", "ingest token (optional)")
		players = flag.Int("players", 4, "number of simulated players")
		rate    = flag.Int("rate", 20, "records per second")
		count   = flag.Int("count", 0, "stop after this many records (0 = until interrupted)")
		radius  = flag.Int("radius", 32, "block change radius around the origin")
		seed    = flag.Int64("seed", 0, "random seed (0 = time based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Producer:        *name,
	}
	if *token != "" {
		hello.Auth = &protocol.HelloAuth{Token: *token}
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	acks := make(chan protocol.AckMsg, 256)
	go readLoop(conn, logger, acks)

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(*seed))
	if *rate <= 0 {
		*rate = 1
	}
	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	outcomes := map[string]int{}
	sent := 0
	for *count == 0 || sent < *count {
		select {
		case <-stop:
			logger.Printf("stopping sent=%d outcomes=%v", sent, outcomes)
			return
		case ack, ok := <-acks:
			if !ok {
				logger.Printf("connection closed sent=%d outcomes=%v", sent, outcomes)
				return
			}
			outcomes[ack.Outcome]++
		case <-ticker.C:
			msg := randomRecord(r, sent, *players, *radius)
			if err := conn.WriteJSON(msg); err != nil {
				logger.Printf("send RECORD: %v", err)
				return
			}
			sent++
		}
	}

	// Wait for the remaining ACKs.
	deadline := time.After(5 * time.Second)
	for total(outcomes) < sent {
		select {
		case ack, ok := <-acks:
			if !ok {
				sent = total(outcomes)
				continue
			}
			outcomes[ack.Outcome]++
		case <-deadline:
			logger.Printf("timed out waiting for acks")
			sent = total(outcomes)
		}
	}
	logger.Printf("done sent=%d outcomes=%v", sent, outcomes)
}

func readLoop(conn *websocket.Conn, logger *log.Logger, acks chan<- protocol.AckMsg) {
	defer close(acks)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME session_id=%s world_id=%s", w.SessionID, w.WorldID)

		case protocol.TypeAck:
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil {
				continue
			}
			if ack.Code != "" {
				logger.Printf("ACK ref=%s outcome=%s code=%s message=%s", ack.Ref, ack.Outcome, ack.Code, ack.Message)
			}
			acks <- ack

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("ERROR code=%s message=%s", e.Code, e.Message)
		}
	}
}

// randomRecord mostly breaks blocks, sometimes places them.
func randomRecord(r *rand.Rand, n, players, radius int) protocol.RecordMsg {
	if players <= 0 {
		players = 1
	}
	if radius <= 0 {
		radius = 1
	}
	block := &protocol.Block{
		Pos:  [3]int{r.Intn(2*radius+1) - radius, 60 + r.Intn(8), r.Intn(2*radius+1) - radius},
		Type: blockTypes[r.Intn(len(blockTypes))],
	}
	msg := protocol.RecordMsg{
		Type:            protocol.TypeRecord,
		ProtocolVersion: protocol.Version,
		Ref:             fmt.Sprintf("R_%d", n),
		Actor:           protocol.Actor{ID: fmt.Sprintf("player-%d", r.Intn(players)), Kind: "player"},
	}
	if r.Intn(4) == 0 {
		msg.Replacement = block
	} else {
		msg.Existing = block
	}
	return msg
}

func total(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
