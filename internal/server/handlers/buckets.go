package handlers

import (
	"net/http"
	"time"

	"github.com/pincer-org/restgate/internal/ratelimit"
	"github.com/pincer-org/restgate/internal/store"
)

// SnapshotSource is anything that can copy its rate-limit state.
type SnapshotSource interface {
	Snapshot() *ratelimit.Snapshot
}

// BucketsResponse is the /v1/buckets body.
type BucketsResponse struct {
	Buckets     []store.BucketEntry `json:"buckets"`
	GlobalUntil *time.Time          `json:"global_until,omitempty"`
	TakenAt     time.Time           `json:"taken_at"`
}

// BucketsHandler lists the gate's live buckets. The optional bucket and
// prefix query parameters narrow the result.
func BucketsHandler(src SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := store.BucketQuery{
			BucketID: r.URL.Query().Get("bucket"),
			Prefix:   r.URL.Query().Get("prefix"),
		}
		if q.BucketID == "" && q.Prefix == "" {
			q.All = true
		}

		snap := src.Snapshot()
		resp := BucketsResponse{Buckets: []store.BucketEntry{}, TakenAt: snap.TakenAt}
		for _, entry := range store.Entries(snap) {
			if q.Matches(entry) {
				resp.Buckets = append(resp.Buckets, entry)
			}
		}
		if !snap.GlobalUntil.IsZero() {
			until := snap.GlobalUntil
			resp.GlobalUntil = &until
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
