package identity

import (
	"context"
	"sync"
	"time"
)

type fakeTenantUsers struct {
	mu     sync.Mutex
	rows   map[string]*TenantUserRecord
	nextID int64

	// raceOnCreate makes the next Create behave as if a concurrent join
	// inserted the row first.
	raceOnCreate bool
	createCalls  int
}

func newFakeTenantUsers() *fakeTenantUsers {
	return &fakeTenantUsers{rows: make(map[string]*TenantUserRecord)}
}

func (f *fakeTenantUsers) GetByGlobalID(ctx context.Context, globalID string) (*TenantUserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[globalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeTenantUsers) Create(ctx context.Context, r *TenantUserRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.raceOnCreate {
		f.raceOnCreate = false
		f.insertLocked(&TenantUserRecord{
			GlobalID:       r.GlobalID,
			Name:           r.Name,
			Role:           DefaultRole,
			TenantJoinDate: r.TenantJoinDate,
		})
		return ErrAlreadyExists
	}
	if _, ok := f.rows[r.GlobalID]; ok {
		return ErrAlreadyExists
	}
	f.insertLocked(r)
	return nil
}

func (f *fakeTenantUsers) insertLocked(r *TenantUserRecord) {
	f.nextID++
	r.ID = f.nextID
	cp := *r
	f.rows[r.GlobalID] = &cp
}

func (f *fakeTenantUsers) TouchLogin(ctx context.Context, globalID string, meta RequestMeta, at time.Time) (*TenantUserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[globalID]
	if !ok {
		return nil, ErrNotFound
	}
	r.LastLoginIP = meta.IP
	r.LastLoginUserAgent = meta.UserAgent
	r.LastLoginAt = &at
	if r.TenantJoinDate == nil {
		r.TenantJoinDate = &at
	}
	cp := *r
	return &cp, nil
}

func (f *fakeTenantUsers) SetExternalLink(ctx context.Context, globalID, ref string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[globalID]
	if !ok {
		return ErrNotFound
	}
	r.IsIntegrated = true
	r.ExternalRef = ref
	if r.IntegratedAt == nil {
		r.IntegratedAt = &at
	}
	return nil
}

func (f *fakeTenantUsers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeCentral struct {
	mu     sync.Mutex
	rows   map[string]*Membership
	nextID int64
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{rows: make(map[string]*Membership)}
}

func membershipKey(tenantID, globalID string) string {
	return tenantID + "/" + globalID
}

func (f *fakeCentral) GetMembership(ctx context.Context, tenantID, globalID string) (*Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[membershipKey(tenantID, globalID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeCentral) CreateMembership(ctx context.Context, m *Membership) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := membershipKey(m.TenantID, m.GlobalID)
	if _, ok := f.rows[key]; ok {
		return false, nil
	}
	f.nextID++
	m.ID = f.nextID
	cp := *m
	f.rows[key] = &cp
	return true, nil
}

func (f *fakeCentral) StampJoinDate(ctx context.Context, tenantID, globalID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[membershipKey(tenantID, globalID)]
	if !ok || m.TenantJoinDate != nil {
		return false, nil
	}
	m.TenantJoinDate = &at
	return true, nil
}

func (f *fakeCentral) SetExternalLink(ctx context.Context, tenantID, globalID, ref string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[membershipKey(tenantID, globalID)]
	if !ok {
		return ErrNotFound
	}
	m.IsIntegrated = true
	m.ExternalRef = ref
	if m.IntegratedAt == nil {
		m.IntegratedAt = &at
	}
	return nil
}

func (f *fakeCentral) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
