package dispatch

import (
	"log"
	"sort"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/ipc"
)

// PendingSelector picks the request an action applies to. wantID is empty
// for free text.
type PendingSelector interface {
	Select(pending []ipc.Request, wantID string) (ipc.Request, bool)
}

// LatestPending matches wantID exactly, and otherwise falls back to the most
// recently created pending request.
type LatestPending struct{}

func (LatestPending) Select(pending []ipc.Request, wantID string) (ipc.Request, bool) {
	if len(pending) == 0 {
		return ipc.Request{}, false
	}
	if wantID != "" {
		for _, req := range pending {
			if req.RequestID == wantID {
				return req, true
			}
		}
	}
	sorted := make([]ipc.Request, len(pending))
	copy(sorted, pending)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp > sorted[j].Timestamp
	})
	latest := sorted[0]
	if wantID != "" {
		log.Printf("Request %s is no longer pending, using latest %s instead", wantID, latest.RequestID)
	}
	return latest, true
}
