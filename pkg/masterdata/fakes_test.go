package masterdata

import (
	"context"
	"fmt"
	"sync"

	"github.com/platinummonkey/hirebridge/pkg/upstream"
)

type fakeFetcher struct {
	mu        sync.Mutex
	snapshots map[string]*upstream.Snapshot
	errs      map[string]error
	calls     int
	started   chan struct{}
	release   chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		snapshots: make(map[string]*upstream.Snapshot),
		errs:      make(map[string]error),
	}
}

func (f *fakeFetcher) FetchMasterData(ctx context.Context, domainURL, apiToken string) (*upstream.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	started, release := f.started, f.release
	snap, err := f.snapshots[domainURL], f.errs[domainURL]
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", upstream.ErrFetchFailed, err)
	}
	return snap, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// failingStore rejects inserts into one category
type failingStore struct {
	*MemoryStore
	failCat Category
}

func (s *failingStore) Atomic(ctx context.Context, fn func(Store) error) error {
	return s.MemoryStore.Atomic(ctx, func(tx Store) error {
		return fn(&failingView{Store: tx, failCat: s.failCat})
	})
}

type failingView struct {
	Store
	failCat Category
}

func (v *failingView) Insert(ctx context.Context, n *Node) error {
	if n.Category == v.failCat {
		return fmt.Errorf("disk full")
	}
	return v.Store.Insert(ctx, n)
}

func pos(id, parent, name string) upstream.RemotePosition {
	return upstream.RemotePosition{ID: upstream.RemoteID(id), ParentID: upstream.RemoteID(parent), Name: name}
}

func level(id, name string, position int) upstream.RemoteLevel {
	return upstream.RemoteLevel{ID: upstream.RemoteID(id), Name: name, Position: upstream.Ordinal{Value: position, Valid: true}}
}

func education(id, value string, order int) upstream.RemoteEducation {
	return upstream.RemoteEducation{ID: upstream.RemoteID(id), Value: value, Order: upstream.Ordinal{Value: order, Valid: true}}
}

func snapshotOf(positions []upstream.RemotePosition, levels []upstream.RemoteLevel, edu []upstream.RemoteEducation) *upstream.Snapshot {
	return &upstream.Snapshot{Data: &upstream.SnapshotData{JobPositions: positions, JobLevels: levels, Education: edu}}
}
