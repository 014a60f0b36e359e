package session

import (
	"sync"
	"time"

	"github.com/zhouzirui/z-tutor/backend/internal/model/session"
	"github.com/zhouzirui/z-tutor/backend/internal/realtime"
)

// liveSession is the orchestrator-owned state of one session. Everything
// handed to callers is a copy.
type liveSession struct {
	mu sync.Mutex

	info        session.Session
	sessionType string
	goals       int

	speaking        bool
	speakingChanged chan struct{} // closed and replaced on every change

	client          realtime.Client
	lastAssistantAt time.Time

	// writes tracks SaveMessage calls admitted before the session entered
	// ending. Teardown waits for them before counting messages.
	writes sync.WaitGroup
}

func newLiveSession(info session.Session, sessionType string, goals int) *liveSession {
	return &liveSession{
		info:            info,
		sessionType:     sessionType,
		goals:           goals,
		speakingChanged: make(chan struct{}),
	}
}

func (ls *liveSession) snapshot() session.Session {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.info
}

// setSpeaking reports whether the flag changed.
func (ls *liveSession) setSpeaking(speaking bool) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.speaking == speaking {
		return false
	}
	ls.speaking = speaking
	close(ls.speakingChanged)
	ls.speakingChanged = make(chan struct{})
	return true
}

// speakingState returns the flag and a channel closed on its next change.
func (ls *liveSession) speakingState() (bool, <-chan struct{}) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.speaking, ls.speakingChanged
}

// admitWrite registers a pending write unless teardown already began.
func (ls *liveSession) admitWrite() (session.Session, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.info.Status == session.StatusEnding || ls.info.Status == session.StatusEnded {
		return ls.info, false
	}
	ls.writes.Add(1)
	return ls.info, true
}

func (ls *liveSession) touch(now time.Time) {
	ls.mu.Lock()
	if now.After(ls.info.LastActivity) {
		ls.info.LastActivity = now
	}
	ls.mu.Unlock()
}

// registry indexes live sessions by id and by user id.
type registry struct {
	mu     sync.RWMutex
	byID   map[string]*liveSession
	byUser map[string]string
}

func newRegistry() *registry {
	return &registry{
		byID:   make(map[string]*liveSession),
		byUser: make(map[string]string),
	}
}

func (r *registry) add(ls *liveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[ls.info.ID] = ls
	r.byUser[ls.info.UserID] = ls.info.ID
}

func (r *registry) get(id string) *liveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

func (r *registry) forUser(userID string) *liveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	return r.byID[id]
}

// remove drops ls only while it is still the entry registered under its id.
func (r *registry) remove(ls *liveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := ls.info.ID
	if r.byID[id] != ls {
		return
	}
	delete(r.byID, id)
	if r.byUser[ls.info.UserID] == id {
		delete(r.byUser, ls.info.UserID)
	}
}

func (r *registry) list() []*liveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*liveSession, 0, len(r.byID))
	for _, ls := range r.byID {
		out = append(out, ls)
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// userLocks serializes CreateOrResume per user. Entries are dropped as soon
// as the last holder unlocks.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (u *userLocks) lock(userID string) func() {
	u.mu.Lock()
	l, ok := u.locks[userID]
	if !ok {
		l = &userLock{}
		u.locks[userID] = l
	}
	l.refs++
	u.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		u.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(u.locks, userID)
		}
		u.mu.Unlock()
	}
}

func (u *userLocks) held() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.locks)
}
