package session

import (
	"context"

	"github.com/zhouzirui/z-tutor/backend/internal/model/session"
	"github.com/zhouzirui/z-tutor/backend/internal/realtime"
)

// Attach connects client and binds it to the session. Its events are
// consumed in order by one goroutine until the channel closes. A previously
// attached client is disconnected.
func (o *Orchestrator) Attach(ctx context.Context, sessionID string, client realtime.Client) error {
	if o.sessions.get(sessionID) == nil {
		return ErrSessionNotFound
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}

	// 连接期间会话可能已被拆除。
	ls := o.sessions.get(sessionID)
	var previous realtime.Client
	attached := false
	if ls != nil {
		ls.mu.Lock()
		if ls.info.Status != session.StatusEnding && ls.info.Status != session.StatusEnded {
			previous = ls.client
			ls.client = client
			attached = true
		}
		ls.mu.Unlock()
	}
	if !attached {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return ErrSessionNotFound
	}
	if previous != nil {
		if err := previous.Disconnect(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("replace realtime client: disconnect failed", "session_id", sessionID, "error", err)
		}
	}
	ls.touch(o.now())

	o.dispatchers.Add(1)
	go func() {
		defer o.dispatchers.Done()
		o.dispatch(sessionID, client)
	}()
	o.logger.Info("realtime client attached", "session_id", sessionID)
	return nil
}

func (o *Orchestrator) dispatch(sessionID string, client realtime.Client) {
	ctx := context.Background()
	for ev := range client.Events() {
		if !o.current(sessionID, client) && ev.Type != realtime.EventClosed {
			continue
		}
		switch ev.Type {
		case realtime.EventResponseStarted:
			o.SetAISpeaking(sessionID, true)
		case realtime.EventMessageCompleted:
			o.SaveMessage(ctx, sessionID, ev.Message(o.now()))
		case realtime.EventResponseDone:
			o.SetAISpeaking(sessionID, false)
		case realtime.EventError:
			o.logger.Warn("realtime error event", "session_id", sessionID, "error", ev.Error)
		case realtime.EventClosed:
			if !o.current(sessionID, client) {
				continue
			}
			if _, err := o.EndSession(ctx, sessionID, session.SignalDisconnect); err != nil {
				o.logger.Error("end session after disconnect failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

// current reports whether client is still the one bound to the session.
func (o *Orchestrator) current(sessionID string, client realtime.Client) bool {
	ls := o.sessions.get(sessionID)
	if ls == nil {
		return false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.client == client
}
