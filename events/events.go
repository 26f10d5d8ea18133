// Package events defines the typed notification events delivered over the
// forum's realtime stream, and the scheduler interface that hands them off
// to a consumer without blocking the socket read loop.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformedEvent marks frames that could not be decoded into an Event.
// Malformed frames are dropped and counted, never fatal to the connection.
var ErrMalformedEvent = errors.New("malformed event frame")

type Kind string

const (
	KindReply     Kind = "reply"
	KindSubReply  Kind = "sub_reply"
	KindMention   Kind = "mention"
	KindNewThread Kind = "new_thread"
)

// Control frame types. These never become Events.
const (
	FrameConnected = "connected"
	FramePong      = "pong"
)

// Event is one decoded forum notification. Immutable once constructed.
type Event struct {
	Kind        Kind
	EventID     string
	ThreadID    int64
	ReplyID     int64
	ThreadTitle string
	FromUserID  int64
	FromUser    string
	Content     string
	ReceivedAt  time.Time
}

// DedupKey identifies the event for suppression: the server-issued event id
// when present, otherwise kind plus reply (or thread) id, so a redelivered
// notification for the same reply collapses to the same key.
func (e *Event) DedupKey() string {
	if e.EventID != "" {
		return "evt:" + e.EventID
	}
	if e.ReplyID != 0 {
		return string(e.Kind) + ":" + strconv.FormatInt(e.ReplyID, 10)
	}
	return string(e.Kind) + ":" + strconv.FormatInt(e.ThreadID, 10)
}

// Frame is one decoded socket frame: either a control frame (connected,
// pong) or a notification event.
type Frame struct {
	Type   string
	UserID int64  // connected frames carry the bot's own user id
	Event  *Event // set for notification frames
}

type wireFrame struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id"`
	ThreadID     int64  `json:"thread_id"`
	ReplyID      int64  `json:"reply_id"`
	ThreadTitle  string `json:"thread_title"`
	FromUserID   int64  `json:"from_user_id"`
	FromUsername string `json:"from_username"`
	UserID       int64  `json:"user_id"`
	Content      string `json:"content"`
}

// DecodeFrame parses one raw socket frame. Undecodable payloads, unknown
// frame types, and notifications missing both thread and reply ids return
// an error wrapping ErrMalformedEvent.
func DecodeFrame(raw []byte, now time.Time) (*Frame, error) {
	var wf wireFrame
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch wf.Type {
	case FrameConnected:
		return &Frame{Type: wf.Type, UserID: wf.UserID}, nil
	case FramePong:
		return &Frame{Type: wf.Type}, nil
	case string(KindReply), string(KindSubReply), string(KindMention), string(KindNewThread):
		if wf.ThreadID == 0 && wf.ReplyID == 0 {
			return nil, fmt.Errorf("%w: %s frame without thread or reply id", ErrMalformedEvent, wf.Type)
		}
		return &Frame{
			Type: wf.Type,
			Event: &Event{
				Kind:        Kind(wf.Type),
				EventID:     wf.EventID,
				ThreadID:    wf.ThreadID,
				ReplyID:     wf.ReplyID,
				ThreadTitle: wf.ThreadTitle,
				FromUserID:  wf.FromUserID,
				FromUser:    wf.FromUsername,
				Content:     wf.Content,
				ReceivedAt:  now,
			},
		}, nil
	case "":
		return nil, fmt.Errorf("%w: missing frame type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrMalformedEvent, wf.Type)
	}
}
