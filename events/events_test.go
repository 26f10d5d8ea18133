package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecodeFrameNotification(t *testing.T) {
	assert := assert.New(t)
	now := time.Unix(1700000000, 0)

	frame, err := DecodeFrame([]byte(`{"type":"reply","event_id":"e1","thread_id":12,"reply_id":34,"thread_title":"hello","from_user_id":9,"from_username":"alice","content":"hi"}`), now)
	assert.NoError(err)
	assert.NotNil(frame.Event)
	assert.Equal(KindReply, frame.Event.Kind)
	assert.Equal("e1", frame.Event.EventID)
	assert.Equal(int64(12), frame.Event.ThreadID)
	assert.Equal(int64(34), frame.Event.ReplyID)
	assert.Equal("hello", frame.Event.ThreadTitle)
	assert.Equal(int64(9), frame.Event.FromUserID)
	assert.Equal("alice", frame.Event.FromUser)
	assert.Equal(now, frame.Event.ReceivedAt)

	for _, kind := range []string{"sub_reply", "mention", "new_thread"} {
		frame, err := DecodeFrame([]byte(`{"type":"`+kind+`","thread_id":7}`), now)
		assert.NoError(err)
		assert.NotNil(frame.Event)
		assert.Equal(Kind(kind), frame.Event.Kind)
	}
}

func TestDecodeFrameControl(t *testing.T) {
	assert := assert.New(t)
	now := time.Now()

	frame, err := DecodeFrame([]byte(`{"type":"connected","user_id":42}`), now)
	assert.NoError(err)
	assert.Nil(frame.Event)
	assert.Equal(FrameConnected, frame.Type)
	assert.Equal(int64(42), frame.UserID)

	frame, err = DecodeFrame([]byte(`{"type":"pong"}`), now)
	assert.NoError(err)
	assert.Nil(frame.Event)
	assert.Equal(FramePong, frame.Type)
}

func TestDecodeFrameMalformed(t *testing.T) {
	assert := assert.New(t)
	now := time.Now()

	cases := []string{
		`{not json`,
		`{}`,
		`{"type":"shrug"}`,
		`{"type":"reply"}`,
	}
	for _, raw := range cases {
		_, err := DecodeFrame([]byte(raw), now)
		assert.ErrorIs(err, ErrMalformedEvent, "frame: %s", raw)
	}
}

func TestEventDedupKey(t *testing.T) {
	assert := assert.New(t)

	evt := &Event{Kind: KindReply, EventID: "e1", ThreadID: 12, ReplyID: 34}
	assert.Equal("evt:e1", evt.DedupKey())

	evt = &Event{Kind: KindReply, ThreadID: 12, ReplyID: 34}
	assert.Equal("reply:34", evt.DedupKey())

	evt = &Event{Kind: KindNewThread, ThreadID: 12}
	assert.Equal("new_thread:12", evt.DedupKey())
}
