package terminal

import (
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// Inbound message types.
const (
	MsgStart  = "start"
	MsgInput  = "input"
	MsgResize = "resize"
	MsgSync   = "sync"
)

// Outbound message types.
const (
	MsgReady       = "ready"
	MsgOutput      = "output"
	MsgExit        = "exit"
	MsgError       = "error"
	MsgSyncStarted = "sync-started"
)

// Inbound is a control message received from the client. Which fields are
// meaningful depends on Type.
type Inbound struct {
	Type string `json:"type"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Data string `json:"data,omitempty"`
}

// ParseInbound decodes a text frame. Malformed JSON and a missing type are
// both reported as errors.
func ParseInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, err
	}
	if msg.Type == "" {
		return Inbound{}, errMissingType
	}
	return msg, nil
}

var errMissingType = errors.New("missing message type")

// Outbound is a message sent to the client.
type Outbound struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId,omitempty"`
	Data      string  `json:"data,omitempty"`
	Code      *int    `json:"code,omitempty"`
	Signal    *string `json:"signal,omitempty"`
	Message   string  `json:"message,omitempty"`
	Fatal     *bool   `json:"fatal,omitempty"`
}

func readyMsg(sessionID string) Outbound {
	return Outbound{Type: MsgReady, SessionID: sessionID}
}

func outputMsg(data string) Outbound {
	return Outbound{Type: MsgOutput, Data: data}
}

func exitMsg(st ExitStatus) Outbound {
	code := st.Code
	msg := Outbound{Type: MsgExit, Code: &code}
	if st.Signal != "" {
		sig := st.Signal
		msg.Signal = &sig
	}
	return msg
}

func errorMsg(message string, fatal bool) Outbound {
	return Outbound{Type: MsgError, Message: message, Fatal: &fatal}
}

func syncStartedMsg() Outbound {
	return Outbound{Type: MsgSyncStarted}
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte sequence, and the incomplete tail. Invalid bytes are not held
// back.
func splitUTF8(b []byte) (head, tail []byte) {
	// A UTF-8 sequence is at most 4 bytes, so only the last 3 can be partial.
	for i := len(b) - 1; i >= 0 && i >= len(b)-3; i-- {
		c := b[i]
		if c < utf8.RuneSelf {
			break
		}
		if !utf8.RuneStart(c) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}
