package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/models"
)

// ProxySelector assigns an egress proxy before every login. Direct-IP
// access is never permitted: an empty pool makes every login fail hard.
// Assignments are sticky per account role across a batch run to avoid
// reapplying the proxy between commands; rotation is forced on stalls and
// after large cumulative transfers.
type ProxySelector struct {
	client *megacli.Client
	pool   []string

	maxAttempts int
	byteLimit   int64

	mu        sync.Mutex
	next      int
	applied   string // proxy currently set on the session, "" if none
	sticky    map[models.AccountRole]string
	movedByte map[models.AccountRole]int64
}

func NewProxySelector(cfg *config.Config, client *megacli.Client) *ProxySelector {
	return &ProxySelector{
		client:      client,
		pool:        cfg.ProxyPool,
		maxAttempts: cfg.LoginAttempts,
		byteLimit:   cfg.RotationByteLimit,
		sticky:      make(map[models.AccountRole]string),
		movedByte:   make(map[models.AccountRole]int64),
	}
}

func (p *ProxySelector) candidate(role models.AccountRole) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pool) == 0 {
		return "", megacli.ErrNoProxy
	}
	if proxy, ok := p.sticky[role]; ok {
		return proxy, nil
	}
	proxy := p.pool[p.next%len(p.pool)]
	p.next++
	return proxy, nil
}

func (p *ProxySelector) appliedProxy() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

func (p *ProxySelector) setApplied(proxy string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = proxy
}

func (p *ProxySelector) stick(role models.AccountRole, proxy string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sticky[role] = proxy
	p.movedByte[role] = 0
}

// Rotate drops the sticky assignment for a role so the next login picks
// the next pool candidate. Used after stalls and byte-limit crossings.
func (p *ProxySelector) Rotate(role models.AccountRole) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sticky, role)
	p.movedByte[role] = 0
	log.Printf("ProxySelector: rotation forced for role %s", role)
}

// RecordBytes accumulates transferred bytes for a role and reports whether
// the rotation threshold has been crossed. Large transfers are assumed to
// increase detection risk on a single egress.
func (p *ProxySelector) RecordBytes(role models.AccountRole, n int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.movedByte[role] += n
	return p.byteLimit > 0 && p.movedByte[role] >= p.byteLimit
}

// Login applies a proxy and logs the account in, rotating through the pool
// on denial. Bounded by PROXY_LOGIN_ATTEMPTS, capped by pool size.
func (p *ProxySelector) Login(ctx context.Context, role models.AccountRole, email, password string) error {
	if len(p.pool) == 0 {
		return megacli.ErrNoProxy
	}
	attempts := p.maxAttempts
	if attempts > len(p.pool) {
		attempts = len(p.pool)
	}
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		proxy, err := p.candidate(role)
		if err != nil {
			return err
		}
		// The proxy setting is session-wide; only reapply on a change.
		if proxy != p.appliedProxy() {
			if err := p.client.SetProxy(ctx, proxy); err != nil {
				log.Printf("ProxySelector: applying proxy failed, rotating: %v", err)
				p.Rotate(role)
				lastErr = err
				continue
			}
			p.setApplied(proxy)
		}
		err = p.client.Login(ctx, email, password)
		if err == nil {
			p.stick(role, proxy)
			return nil
		}
		if errors.Is(err, megacli.ErrLoginDenied) {
			log.Printf("ProxySelector: login denied via proxy, rotating (attempt %d/%d)", i+1, attempts)
			p.Rotate(role)
			lastErr = err
			continue
		}
		return err
	}
	if lastErr == nil {
		lastErr = megacli.ErrLoginDenied
	}
	return fmt.Errorf("login failed after %d proxy attempts: %w", attempts, lastErr)
}

// Clear removes the session's proxy assignment. Skipped while any upload
// is flagged active to avoid disrupting an in-flight operation.
func (p *ProxySelector) Clear(ctx context.Context) error {
	if database.UploadsActive() {
		log.Println("ProxySelector: skipping proxy clear, uploads active")
		return nil
	}
	p.mu.Lock()
	p.sticky = make(map[models.AccountRole]string)
	p.applied = ""
	p.mu.Unlock()
	return p.client.ClearProxy(ctx)
}
