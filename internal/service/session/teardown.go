package session

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/zhouzirui/z-tutor/backend/internal/analysis/analytics"
	"github.com/zhouzirui/z-tutor/backend/internal/analysis/flow"
	"github.com/zhouzirui/z-tutor/backend/internal/events"
	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
	"github.com/zhouzirui/z-tutor/backend/internal/model/session"
)

// Summary is returned once per session by EndSession.
type Summary struct {
	SessionID      string             `json:"sessionId"`
	ConversationID string             `json:"conversationId"`
	UserID         string             `json:"userId"`
	DurationMs     int64              `json:"durationMs"`
	MessageCount   int                `json:"messageCount"`
	IsResumed      bool               `json:"isResumed"`
	Flow           flow.Summary       `json:"flowSummary"`
	Analytics      *analytics.Summary `json:"analytics,omitempty"`
	EndTime        time.Time          `json:"endTime"`
	Signal         session.Signal     `json:"signal"`
}

// teardownCall is the in-flight completion signal shared by every caller
// of EndSession for one session.
type teardownCall struct {
	done chan struct{}

	mu     sync.Mutex
	signal session.Signal

	hard     chan struct{}
	hardOnce sync.Once

	summary *Summary
	err     error
}

func newTeardownCall(signal session.Signal) *teardownCall {
	c := &teardownCall{
		done:   make(chan struct{}),
		hard:   make(chan struct{}),
		signal: signal,
	}
	if !signal.Soft() {
		c.escalate(signal)
	}
	return c
}

// escalate upgrades the call to a hard signal and cancels any deferral.
func (c *teardownCall) escalate(signal session.Signal) {
	c.mu.Lock()
	if c.signal.Soft() {
		c.signal = signal
	}
	c.mu.Unlock()
	c.hardOnce.Do(func() { close(c.hard) })
}

func (c *teardownCall) effectiveSignal() session.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

func (c *teardownCall) result() (*Summary, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.summary == nil {
		return nil, nil
	}
	out := *c.summary
	return &out, nil
}

// EndSession tears the session down at most once. Concurrent callers attach
// to the running teardown and receive the same result. A soft signal while
// the AI is speaking waits until speaking stops, a hard signal joins, or
// MaxSpeakingExtension elapses. Unknown sessions return (nil, nil).
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string, signal session.Signal) (*Summary, error) {
	if signal == "" {
		signal = session.SignalUserStop
	}

	o.teardownMu.Lock()
	call, inFlight := o.teardowns[sessionID]
	var ls *liveSession
	if !inFlight {
		ls = o.sessions.get(sessionID)
		if ls == nil {
			o.teardownMu.Unlock()
			return nil, nil
		}
		call = newTeardownCall(signal)
		o.teardowns[sessionID] = call
	}
	o.teardownMu.Unlock()

	if inFlight {
		o.emit(events.TeardownJoined, sessionID, "", map[string]any{"signal": string(signal)})
		if !signal.Soft() {
			call.escalate(signal)
		}
	} else {
		// 与调用方的取消解耦：拆除一旦开始必须完成。
		go o.runTeardown(context.WithoutCancel(ctx), ls, call)
	}

	select {
	case <-call.done:
		return call.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) runTeardown(ctx context.Context, ls *liveSession, call *teardownCall) {
	started := o.now()
	info := ls.snapshot()
	id := info.ID

	defer o.release(ls, call)

	o.emit(events.TeardownStarted, id, info.UserID, map[string]any{"signal": string(call.effectiveSignal())})
	o.awaitSpeaking(ls, call)

	signal := call.effectiveSignal()

	ls.setSpeaking(false)
	ls.mu.Lock()
	ls.info.Status = session.StatusEnding
	client := ls.client
	ls.client = nil
	ls.mu.Unlock()
	ls.writes.Wait()

	if client != nil {
		dctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
		if err := client.Disconnect(dctx); err != nil {
			o.logger.Warn("realtime disconnect failed", "session_id", id, "error", err)
		}
		cancel()
	}

	// (1) duration
	info = ls.snapshot()
	end := o.now()
	duration := end.Sub(info.StartTime)
	if duration < 0 {
		duration = 0
	}

	// (2) durable finalize
	durable := chat.StatusCompleted
	if signal.Soft() {
		durable = chat.StatusPaused
	}
	sctx, cancel := o.storeCtx(ctx)
	finalizeErr := o.store.Finalize(sctx, info.ConversationID, chat.Finalization{
		Status:   durable,
		Duration: int64(math.Round(duration.Seconds())),
		Metadata: map[string]any{
			"sessionType":  sessionTypeOrDefault(ls.sessionType),
			"messageCount": info.MessageCount,
			"isResumed":    info.IsResumed,
			"endSignal":    string(signal),
			"endedAt":      end.UTC().Format(time.RFC3339),
		},
	})
	cancel()

	// (3) flow finalize, (4) analytics finalize: always attempted.
	var flowSummary flow.Summary
	o.guard("flow.end", id, func() { flowSummary = o.flow.EndSession(info.UserID) })
	var analyticsSummary *analytics.Summary
	o.guard("analytics.end", id, func() { analyticsSummary = o.analytics.EndSession(id) })

	// (5) the slot is released by release() once the result is set.
	took := o.now().Sub(started)
	if finalizeErr != nil {
		call.err = &StorageError{Op: "finalize", SessionID: id, Err: finalizeErr}
		o.metrics.SessionEnded(string(signal), "storage_error", took)
		o.emit(events.TeardownFailed, id, info.UserID, map[string]any{"signal": string(signal), "error": finalizeErr.Error()})
		o.logger.Error("session finalize failed", "session_id", id, "user_id", info.UserID, "error", finalizeErr)
		return
	}

	// (6) summary
	call.summary = &Summary{
		SessionID:      id,
		ConversationID: info.ConversationID,
		UserID:         info.UserID,
		DurationMs:     duration.Milliseconds(),
		MessageCount:   info.MessageCount,
		IsResumed:      info.IsResumed,
		Flow:           flowSummary,
		Analytics:      analyticsSummary,
		EndTime:        end,
		Signal:         signal,
	}
	o.metrics.SessionEnded(string(signal), "ok", took)
	o.emit(events.TeardownCompleted, id, info.UserID, map[string]any{
		"signal":       string(signal),
		"durableState": string(durable),
		"messageCount": info.MessageCount,
	})
	o.logger.Info("session ended",
		"session_id", id, "user_id", info.UserID, "signal", signal,
		"duration_ms", duration.Milliseconds(), "messages", info.MessageCount)
}

// release marks the session ended and drops it from the registry and the
// teardown table in one critical section, then wakes the waiters. A resumed
// session under the same id can only register after this returns.
func (o *Orchestrator) release(ls *liveSession, call *teardownCall) {
	ls.mu.Lock()
	ls.info.Status = session.StatusEnded
	ls.mu.Unlock()

	o.teardownMu.Lock()
	o.sessions.remove(ls)
	if o.teardowns[ls.info.ID] == call {
		delete(o.teardowns, ls.info.ID)
	}
	o.teardownMu.Unlock()
	close(call.done)
}

// awaitSpeaking 软信号且 AI 正在说话时，等待说话结束、硬信号加入或超过最大延长时间。
func (o *Orchestrator) awaitSpeaking(ls *liveSession, call *teardownCall) {
	if !call.effectiveSignal().Soft() {
		return
	}
	speaking, changed := ls.speakingState()
	if !speaking {
		return
	}

	id := ls.snapshot().ID
	o.metrics.TeardownDeferred()
	o.emit(events.TeardownDeferred, id, "", map[string]any{
		"signal":       string(call.effectiveSignal()),
		"maxExtension": o.cfg.MaxSpeakingExtension.String(),
	})

	timer := time.NewTimer(o.cfg.MaxSpeakingExtension)
	defer timer.Stop()

	reason := "speaking_stopped"
wait:
	for speaking {
		select {
		case <-changed:
			speaking, changed = ls.speakingState()
		case <-call.hard:
			reason = "hard_signal"
			break wait
		case <-timer.C:
			reason = "max_extension"
			break wait
		}
	}
	o.emit(events.TeardownProceeding, id, "", map[string]any{"reason": reason})
}
