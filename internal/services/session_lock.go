package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/megacli"
)

// logoutGrace is how long the session may sit idle before the lock forces
// a best-effort logout to avoid a stale authenticated session lingering.
const logoutGrace = 2 * time.Second

// SessionLock serializes every interaction with the shared MEGAcmd session.
// The remote CLI has one global login and no per-operation identity, so
// overlapping calls corrupt each other's session state. Exactly one holder
// is admitted at a time; waiters are served in FIFO order.
type SessionLock struct {
	client *megacli.Client

	mu          sync.Mutex
	held        bool
	queue       []chan struct{}
	logoutTimer *time.Timer
}

func NewSessionLock(client *megacli.Client) *SessionLock {
	return &SessionLock{client: client}
}

// WithExclusiveSession runs fn with exclusive ownership of the shared
// session. The lock is released even when fn fails or panics; errors from
// fn propagate to the caller unchanged.
func (l *SessionLock) WithExclusiveSession(label string, fn func(client *megacli.Client) error) error {
	l.acquire(label)
	defer l.release(label)
	return fn(l.client)
}

func (l *SessionLock) acquire(label string) {
	l.mu.Lock()
	if l.logoutTimer != nil {
		l.logoutTimer.Stop()
		l.logoutTimer = nil
	}
	if !l.held && len(l.queue) == 0 {
		l.held = true
		l.mu.Unlock()
		log.Printf("SessionLock: %s acquired", label)
		return
	}
	ticket := make(chan struct{})
	l.queue = append(l.queue, ticket)
	waiting := len(l.queue)
	l.mu.Unlock()

	log.Printf("SessionLock: %s queued (position %d)", label, waiting)
	<-ticket
	log.Printf("SessionLock: %s acquired", label)
}

func (l *SessionLock) release(label string) {
	l.finish(label, true)
}

// finish hands the lock to the next waiter or leaves it free. rearm
// controls whether an idle-logout timer is scheduled; the idle logout
// itself finishes without one so it cannot re-trigger forever.
func (l *SessionLock) finish(label string, rearm bool) {
	l.mu.Lock()
	if len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		close(next)
		l.mu.Unlock()
		log.Printf("SessionLock: %s released, handing to next waiter", label)
		return
	}
	l.held = false
	if rearm {
		l.logoutTimer = time.AfterFunc(logoutGrace, l.idleLogout)
	}
	l.mu.Unlock()
	log.Printf("SessionLock: %s released, queue empty", label)
}

// idleLogout force-logs-out the session after the grace delay so a stale
// authenticated session never lingers. It takes the lock as a regular
// holder, so a caller arriving mid-logout queues behind it instead of
// racing the logout command. Skipped while uploads are flagged active
// elsewhere in the process.
func (l *SessionLock) idleLogout() {
	l.mu.Lock()
	if l.held || len(l.queue) > 0 {
		l.mu.Unlock()
		return
	}
	l.held = true
	l.mu.Unlock()
	defer l.finish("idle-logout", false)

	if database.UploadsActive() {
		log.Println("SessionLock: skipping idle logout, uploads active")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.client.Logout(ctx); err != nil {
		log.Printf("SessionLock: idle logout failed (ignored): %v", err)
	}
}
