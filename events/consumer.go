package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// EventsTimeout bounds how long the consumer waits for any frame (heartbeats
// included) before treating the connection as dead.
var EventsTimeout = time.Minute

// StreamCallbacks receive control-frame notifications from the stream
// consumer. Notification events flow through the Scheduler instead.
type StreamCallbacks struct {
	// Connected fires when the server acknowledges the session, carrying the
	// bot's own user id.
	Connected func(userID int64)
	// Liveness fires for every well-formed frame, with the frame type.
	Liveness func(frameType string)
}

// HandleEventStream consumes frames from an established websocket until the
// context is canceled or the connection fails. Notification events are
// handed to sched in arrival order; malformed frames are counted, logged,
// and skipped. The caller owns reconnect policy.
func HandleEventStream(ctx context.Context, con *websocket.Conn, sched Scheduler, cbs *StreamCallbacks, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	remoteAddr := con.RemoteAddr().String()

	con.SetPongHandler(func(string) error {
		if cbs != nil && cbs.Liveness != nil {
			cbs.Liveness(FramePong)
		}
		return con.SetReadDeadline(time.Now().Add(EventsTimeout))
	})

	go func() {
		t := time.NewTicker(EventsTimeout / 2)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				if err := con.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second*10)); err != nil {
					logger.Warn("failed to ping", "err", err)
				}
			case <-ctx.Done():
				con.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := con.SetReadDeadline(time.Now().Add(EventsTimeout)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}

		mt, raw, err := con.ReadMessage()
		if err != nil {
			return err
		}

		framesFromStreamCounter.WithLabelValues(remoteAddr).Inc()

		if mt != websocket.TextMessage {
			malformedFramesCounter.WithLabelValues(remoteAddr).Inc()
			logger.Warn("dropping non-text frame", "messageType", mt)
			continue
		}

		frame, err := DecodeFrame(raw, time.Now())
		if err != nil {
			malformedFramesCounter.WithLabelValues(remoteAddr).Inc()
			logger.Warn("dropping malformed frame", "err", err)
			continue
		}

		if cbs != nil && cbs.Liveness != nil {
			cbs.Liveness(frame.Type)
		}

		switch {
		case frame.Event != nil:
			eventsFromStreamCounter.WithLabelValues(remoteAddr).Inc()
			if err := sched.AddWork(ctx, frame.Event.DedupKey(), frame.Event); err != nil {
				return err
			}
		case frame.Type == FrameConnected:
			logger.Info("stream session established", "userID", frame.UserID)
			if cbs != nil && cbs.Connected != nil {
				cbs.Connected(frame.UserID)
			}
		}
	}
}
