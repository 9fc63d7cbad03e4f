package registry

import (
	"sort"
	"sync"

	"msgsync/pkg/models"
)

// Registry is the merge/sort index over known threads. It performs no
// network or timer side effects; the coordinator and engine feed it.
type Registry struct {
	mu      sync.RWMutex
	threads map[string]*models.Thread
}

func New() *Registry {
	return &Registry{threads: make(map[string]*models.Thread)}
}

// UpsertThreads merges incoming summaries into the known set. Summary data
// (title, timestamps, last message preview) is refreshed, but locally-known
// detail is never discarded: an incoming entry with no participants keeps
// the stored participant set, and timestamps only move forward.
func (r *Registry) UpsertThreads(list []models.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range list {
		in := list[i]
		if in.ID == "" {
			continue
		}
		cur, ok := r.threads[in.ID]
		if !ok {
			cp := in
			r.threads[in.ID] = &cp
			continue
		}
		if in.Title != "" {
			cur.Title = in.Title
		}
		if in.Type != "" {
			cur.Type = in.Type
		}
		if len(in.Participants) > 0 {
			cur.Participants = in.Participants
		}
		if in.CreatedTS != 0 && cur.CreatedTS == 0 {
			cur.CreatedTS = in.CreatedTS
		}
		if in.UpdatedTS > cur.UpdatedTS {
			cur.UpdatedTS = in.UpdatedTS
		}
		if in.LastMessage != nil {
			if cur.LastMessage == nil || in.LastMessage.TS >= cur.LastMessage.TS {
				cur.LastMessage = in.LastMessage
			}
		}
	}
}

// Touch records that msg was accepted into the thread: updated_ts becomes
// the max message timestamp ever seen, and the preview advances.
func (r *Registry) Touch(threadID string, msg *models.Message) {
	if msg == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.threads[threadID]
	if !ok {
		cur = &models.Thread{ID: threadID}
		r.threads[threadID] = cur
	}
	if msg.TS > cur.UpdatedTS {
		cur.UpdatedTS = msg.TS
	}
	if cur.LastMessage == nil || msg.TS >= cur.LastMessage.TS {
		cp := *msg
		cur.LastMessage = &cp
	}
}

// Select returns the thread for id, creating a placeholder entry when the
// id is unknown. It is idempotent: repeated calls return the same pointer.
func (r *Registry) Select(id string) *models.Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	if th, ok := r.threads[id]; ok {
		return th
	}
	th := &models.Thread{ID: id}
	r.threads[id] = th
	return th
}

// Get returns the thread for id, or nil.
func (r *Registry) Get(id string) *models.Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threads[id]
}

// MostRecent returns copies of all threads ordered by recency descending.
// Ties break by thread id so the ordering is deterministic.
func (r *Registry) MostRecent() []models.Thread {
	r.mu.RLock()
	out := make([]models.Thread, 0, len(r.threads))
	for _, th := range r.threads {
		out = append(out, *th)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Recency(), out[j].Recency()
		if ri != rj {
			return ri > rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of known threads.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}
