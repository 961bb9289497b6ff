package masterdata

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for dry runs and tests
type MemoryStore struct {
	mu   sync.Mutex
	data *memoryData
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memoryData{
		nodes:  make(map[Category]map[int64]*Node),
		nextID: make(map[Category]int64),
		now:    time.Now,
	}}
}

type memoryData struct {
	nodes  map[Category]map[int64]*Node
	nextID map[Category]int64
	now    func() time.Time
}

func (m *MemoryStore) FindMatch(ctx context.Context, cat Category, externalID, name string) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.findMatch(cat, externalID, name)
}

func (m *MemoryStore) Insert(ctx context.Context, n *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.insert(n)
}

func (m *MemoryStore) Update(ctx context.Context, n *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.update(n)
}

func (m *MemoryStore) SetParent(ctx context.Context, cat Category, id int64, parentID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.setParent(cat, id, parentID)
}

func (m *MemoryStore) SoftDelete(ctx context.Context, cat Category, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.softDelete(cat, id)
}

func (m *MemoryStore) Count(ctx context.Context, cat Category, includeDeleted bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes, err := m.data.list(cat, includeDeleted)
	return len(nodes), err
}

func (m *MemoryStore) List(ctx context.Context, cat Category, includeDeleted bool) ([]*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.list(cat, includeDeleted)
}

// Atomic holds the store lock for the whole of fn
func (m *MemoryStore) Atomic(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(memoryView{m.data})
}

// memoryView is the lock-free Store handed to Atomic callbacks
type memoryView struct {
	data *memoryData
}

func (v memoryView) FindMatch(ctx context.Context, cat Category, externalID, name string) (*Node, error) {
	return v.data.findMatch(cat, externalID, name)
}
func (v memoryView) Insert(ctx context.Context, n *Node) error { return v.data.insert(n) }
func (v memoryView) Update(ctx context.Context, n *Node) error { return v.data.update(n) }
func (v memoryView) SetParent(ctx context.Context, cat Category, id int64, parentID *int64) error {
	return v.data.setParent(cat, id, parentID)
}
func (v memoryView) SoftDelete(ctx context.Context, cat Category, id int64) error {
	return v.data.softDelete(cat, id)
}
func (v memoryView) Count(ctx context.Context, cat Category, includeDeleted bool) (int, error) {
	nodes, err := v.data.list(cat, includeDeleted)
	return len(nodes), err
}
func (v memoryView) List(ctx context.Context, cat Category, includeDeleted bool) ([]*Node, error) {
	return v.data.list(cat, includeDeleted)
}
func (v memoryView) Atomic(ctx context.Context, fn func(Store) error) error { return fn(v) }

func (d *memoryData) table(cat Category) (map[int64]*Node, error) {
	if !cat.Valid() {
		return nil, ErrUnknownCategory
	}
	t, ok := d.nodes[cat]
	if !ok {
		t = make(map[int64]*Node)
		d.nodes[cat] = t
	}
	return t, nil
}

// sortedIDs keeps lookups deterministic regardless of map order
func sortedIDs(t map[int64]*Node) []int64 {
	ids := make([]int64, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *memoryData) findMatch(cat Category, externalID, name string) (*Node, error) {
	t, err := d.table(cat)
	if err != nil {
		return nil, err
	}
	pick := func(match func(*Node) bool) *Node {
		var deleted *Node
		for _, id := range sortedIDs(t) {
			n := t[id]
			if !match(n) {
				continue
			}
			if !n.IsDeleted() {
				return n
			}
			if deleted == nil {
				deleted = n
			}
		}
		return deleted
	}

	if externalID != "" {
		if n := pick(func(n *Node) bool { return n.ExternalID == externalID }); n != nil {
			return cloneNode(n), nil
		}
	}
	if name != "" {
		if n := pick(func(n *Node) bool { return n.Name == name }); n != nil {
			return cloneNode(n), nil
		}
	}
	return nil, nil
}

// conflicts enforces name and external id uniqueness among active rows
func (d *memoryData) conflicts(t map[int64]*Node, n *Node) bool {
	for id, other := range t {
		if id == n.ID || other.IsDeleted() {
			continue
		}
		if other.Name == n.Name {
			return true
		}
		if n.ExternalID != "" && other.ExternalID == n.ExternalID {
			return true
		}
	}
	return false
}

func (d *memoryData) insert(n *Node) error {
	t, err := d.table(n.Category)
	if err != nil {
		return err
	}
	if n.DeletedAt == nil && d.conflicts(t, n) {
		return ErrConflict
	}
	d.nextID[n.Category]++
	now := d.now()
	n.ID = d.nextID[n.Category]
	n.CreatedAt = now
	n.UpdatedAt = now
	t[n.ID] = cloneNode(n)
	return nil
}

func (d *memoryData) update(n *Node) error {
	t, err := d.table(n.Category)
	if err != nil {
		return err
	}
	existing, ok := t[n.ID]
	if !ok {
		return ErrNodeNotFound
	}
	candidate := cloneNode(existing)
	candidate.Name = n.Name
	candidate.Index = copyInt(n.Index)
	candidate.ExternalID = n.ExternalID
	candidate.ExternalName = n.ExternalName
	candidate.DeletedAt = nil
	if d.conflicts(t, candidate) {
		return ErrConflict
	}
	candidate.UpdatedAt = d.now()
	t[n.ID] = candidate

	n.DeletedAt = nil
	n.UpdatedAt = candidate.UpdatedAt
	return nil
}

func (d *memoryData) setParent(cat Category, id int64, parentID *int64) error {
	if !cat.Hierarchical() {
		return ErrNotHierarchical
	}
	t, err := d.table(cat)
	if err != nil {
		return err
	}
	n, ok := t[id]
	if !ok {
		return ErrNodeNotFound
	}
	if parentID != nil {
		if _, ok := t[*parentID]; !ok {
			return ErrNodeNotFound
		}
	}
	n.ParentID = copyInt64(parentID)
	n.UpdatedAt = d.now()
	return nil
}

func (d *memoryData) softDelete(cat Category, id int64) error {
	t, err := d.table(cat)
	if err != nil {
		return err
	}
	n, ok := t[id]
	if !ok {
		return ErrNodeNotFound
	}
	if n.DeletedAt == nil {
		now := d.now()
		n.DeletedAt = &now
	}
	return nil
}

func (d *memoryData) list(cat Category, includeDeleted bool) ([]*Node, error) {
	t, err := d.table(cat)
	if err != nil {
		return nil, err
	}
	var out []*Node
	for _, id := range sortedIDs(t) {
		n := t[id]
		if n.IsDeleted() && !includeDeleted {
			continue
		}
		out = append(out, cloneNode(n))
	}
	return out, nil
}

func cloneNode(n *Node) *Node {
	cp := *n
	cp.Index = copyInt(n.Index)
	cp.ParentID = copyInt64(n.ParentID)
	if n.DeletedAt != nil {
		t := *n.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
