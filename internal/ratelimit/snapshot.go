package ratelimit

import (
	"context"
	"sort"
	"time"
)

// Store persists gate snapshots between runs. LoadSnapshot returns a nil
// snapshot and no error when nothing has been saved.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}

// Binding records which bucket a route was last mapped to.
type Binding struct {
	Route    Route  `json:"route" yaml:"route"`
	BucketID string `json:"bucket_id" yaml:"bucket_id"`
}

// Snapshot is a point-in-time copy of a Gate's state, used to persist
// limits across process restarts.
type Snapshot struct {
	Buckets     []Bucket  `json:"buckets" yaml:"buckets"`
	Routes      []Binding `json:"routes" yaml:"routes"`
	GlobalUntil time.Time `json:"global_until,omitempty" yaml:"global_until,omitempty"`
	TakenAt     time.Time `json:"taken_at" yaml:"taken_at"`
}

// RoutesFor returns the routes bound to bucket id.
func (s *Snapshot) RoutesFor(id string) []Route {
	if s == nil {
		return nil
	}
	var out []Route
	for _, b := range s.Routes {
		if b.BucketID == id {
			out = append(out, b.Route)
		}
	}
	return out
}

// Snapshot copies the current buckets, route bindings and global deadline.
// Output is sorted by bucket id and route for stable rendering.
func (g *Gate) Snapshot() *Snapshot {
	snap := &Snapshot{TakenAt: g.now()}

	g.mu.Lock()
	states := make([]*bucketState, 0, len(g.buckets))
	for _, state := range g.buckets {
		states = append(states, state)
	}
	for route, id := range g.routes {
		snap.Routes = append(snap.Routes, Binding{Route: route, BucketID: id})
	}
	g.mu.Unlock()

	for _, state := range states {
		state.mu.Lock()
		snap.Buckets = append(snap.Buckets, state.bucket)
		state.mu.Unlock()
	}

	snap.GlobalUntil = g.GlobalDeadline()

	sort.Slice(snap.Buckets, func(i, j int) bool { return snap.Buckets[i].ID < snap.Buckets[j].ID })
	sort.Slice(snap.Routes, func(i, j int) bool { return snap.Routes[i].Route.String() < snap.Routes[j].Route.String() })
	return snap
}

// Restore loads persisted state. Buckets already known to the gate are
// replaced only when the persisted copy is newer. Bindings referencing an
// unknown bucket are ignored.
func (g *Gate) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}

	for _, b := range snap.Buckets {
		if b.ID == "" {
			continue
		}
		g.mu.Lock()
		state, ok := g.buckets[b.ID]
		if !ok {
			state = newBucketState(b)
			g.buckets[b.ID] = state
		}
		g.mu.Unlock()

		if ok {
			state.mu.Lock()
			newer := b.UpdatedAt.After(state.bucket.UpdatedAt)
			state.mu.Unlock()
			if newer {
				state.update(b)
			}
		}
	}

	g.mu.Lock()
	for _, binding := range snap.Routes {
		if _, ok := g.buckets[binding.BucketID]; !ok {
			continue
		}
		if _, bound := g.routes[binding.Route]; bound {
			continue
		}
		g.routes[binding.Route] = binding.BucketID
	}
	g.mu.Unlock()

	if !snap.GlobalUntil.IsZero() {
		g.global.extend(snap.GlobalUntil)
	}
}
