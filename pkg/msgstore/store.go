package msgstore

import (
	"sort"
	"sync"
	"time"

	"msgsync/pkg/cache"
	"msgsync/pkg/logger"
	"msgsync/pkg/metrics"
	"msgsync/pkg/models"
)

// DefaultDedupWindow bounds the timestamp distance for the content-based
// optimistic match. The server stamps its own creation time, so the
// optimistic local timestamp can drift by network latency but not by more
// than a few seconds.
const DefaultDedupWindow = 5 * time.Second

// Store holds the per-thread ordered message logs. All channels (push,
// poll, HTTP fallback responses, warm-start) converge here; dedup and
// optimistic replacement make the racing channels safe.
type Store struct {
	mu          sync.Mutex
	threads     map[string]*threadLog
	dedupWindow time.Duration
	persist     bool
}

type entry struct {
	msg models.Message
	// seq is the insertion order, the tie breaker for equal timestamps
	seq uint64
}

type threadLog struct {
	entries []*entry
	byID    map[string]*entry
	seq     uint64
}

// New creates a Store. With persist set, confirmed messages are written
// through to the local cache (when it is open).
func New(dedupWindow time.Duration, persist bool) *Store {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Store{
		threads:     make(map[string]*threadLog),
		dedupWindow: dedupWindow,
		persist:     persist,
	}
}

func (s *Store) log(threadID string) *threadLog {
	tl, ok := s.threads[threadID]
	if !ok {
		tl = &threadLog{byID: make(map[string]*entry)}
		s.threads[threadID] = tl
	}
	return tl
}

// Ingest merges confirmed messages from any channel into the thread's log.
// The source label ("push", "poll", "http", "cache") is only used for
// metrics. It reports whether anything visible changed.
func (s *Store) Ingest(threadID, source string, msgs ...models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.log(threadID)
	changed := false
	for i := range msgs {
		m := msgs[i]
		if m.ID == "" {
			continue
		}
		if m.Thread == "" {
			m.Thread = threadID
		}
		normalize(&m)
		if s.ingestOne(tl, threadID, source, m) {
			changed = true
		}
	}
	if changed {
		resort(tl)
	}
	return changed
}

// Preload feeds cached messages at warm start. It is an Ingest that never
// writes back to the cache.
func (s *Store) Preload(threadID string, msgs []models.Message) {
	persist := s.persist
	s.persist = false
	s.Ingest(threadID, "cache", msgs...)
	s.persist = persist
}

func (s *Store) ingestOne(tl *threadLog, threadID, source string, m models.Message) bool {
	// exact id match wins: first arrival owns content and timestamp, later
	// deliveries only refresh mutable fields
	if e, ok := tl.byID[m.ID]; ok {
		metrics.DedupHits.Inc()
		if refresh(e, m) {
			s.writeThrough(threadID, e.msg)
			return true
		}
		return false
	}
	// optimistic replacement: by echoed client ref when present, otherwise
	// by the sender/content/timestamp heuristic
	if e := s.matchOptimistic(tl, m); e != nil {
		delete(tl.byID, e.msg.ID)
		replace(e, m)
		tl.byID[m.ID] = e
		metrics.OptimisticReplaced.Inc()
		s.writeThrough(threadID, e.msg)
		return true
	}
	tl.seq++
	e := &entry{msg: m, seq: tl.seq}
	tl.entries = append(tl.entries, e)
	tl.byID[m.ID] = e
	metrics.IngestTotal.WithLabelValues(source).Inc()
	s.writeThrough(threadID, m)
	return true
}

// matchOptimistic finds the temp-id entry the confirmed message m settles.
// Only not-yet-confirmed entries are candidates; a failed entry is excluded
// so a genuinely distinct resend cannot be collapsed into it.
func (s *Store) matchOptimistic(tl *threadLog, m models.Message) *entry {
	if !m.Confirmed() {
		return nil
	}
	if m.ClientRef != "" && models.IsTempID(m.ClientRef) {
		if e, ok := tl.byID[m.ClientRef]; ok {
			return e
		}
	}
	window := s.dedupWindow.Nanoseconds()
	for _, e := range tl.entries {
		if !models.IsTempID(e.msg.ID) || e.msg.Delivery == models.DeliveryFailed {
			continue
		}
		if e.msg.AuthorID() != m.AuthorID() || e.msg.Content != m.Content {
			continue
		}
		d := e.msg.TS - m.TS
		if d < 0 {
			d = -d
		}
		if d <= window {
			return e
		}
	}
	return nil
}

// refresh applies the mutable fields of a duplicate delivery onto the
// stored entry. Content and timestamp stay as originally recorded.
func refresh(e *entry, m models.Message) bool {
	changed := false
	if m.Delivery != "" && m.Delivery != models.DeliveryFailed && m.Delivery.Advances(e.msg.Delivery) {
		e.msg.Delivery = m.Delivery
		changed = true
	}
	if advanceApproval(&e.msg, m) {
		changed = true
	}
	if mergeReadBy(&e.msg, m.ReadBy) {
		changed = true
	}
	return changed
}

// replace swaps an optimistic entry for its server-confirmed form in place,
// keeping the slot (and therefore the tie-break order) stable.
func replace(e *entry, m models.Message) {
	was := e.msg
	e.msg = m
	if e.msg.Delivery == "" || e.msg.Delivery == models.DeliverySending {
		e.msg.Delivery = models.DeliverySent
	}
	if was.Delivery.Advances(e.msg.Delivery) {
		e.msg.Delivery = was.Delivery
	}
}

// advanceApproval moves approval forward only: pending -> approved or
// pending -> rejected, never back, and rejected requires a reason.
func advanceApproval(dst *models.Message, src models.Message) bool {
	if dst.Approval != models.ApprovalPending || src.Approval == dst.Approval {
		return false
	}
	switch src.Approval {
	case models.ApprovalApproved:
		dst.Approval = models.ApprovalApproved
		dst.RejectionReason = ""
		return true
	case models.ApprovalRejected:
		if src.RejectionReason == "" {
			logger.Warn("rejected_without_reason_ignored", "msg", dst.ID)
			return false
		}
		dst.Approval = models.ApprovalRejected
		dst.RejectionReason = src.RejectionReason
		return true
	}
	return false
}

func mergeReadBy(dst *models.Message, in []models.ReadReceipt) bool {
	if len(in) == 0 {
		return false
	}
	changed := false
	for _, r := range in {
		found := false
		for _, have := range dst.ReadBy {
			if have.UserID == r.UserID {
				found = true
				break
			}
		}
		if !found {
			dst.ReadBy = append(dst.ReadBy, r)
			changed = true
		}
	}
	return changed
}

func normalize(m *models.Message) {
	if m.Delivery == "" {
		m.Delivery = models.DeliverySent
	}
	if m.Approval == "" {
		m.Approval = models.ApprovalApproved
	}
	if m.SenderID == "" {
		m.SenderID = m.Sender.ID
	}
}

func resort(tl *threadLog) {
	sort.SliceStable(tl.entries, func(i, j int) bool {
		if tl.entries[i].msg.TS != tl.entries[j].msg.TS {
			return tl.entries[i].msg.TS < tl.entries[j].msg.TS
		}
		return tl.entries[i].seq < tl.entries[j].seq
	})
}

func (s *Store) writeThrough(threadID string, m models.Message) {
	if !s.persist || !cache.Ready() || !m.Confirmed() {
		return
	}
	if err := cache.SaveMessage(threadID, m); err != nil {
		logger.Warn("cache_write_through_failed", "thread", threadID, "msg", m.ID, "error", err)
	}
}

// InsertOptimistic appends a temp-id message with delivery status sending.
func (s *Store) InsertOptimistic(threadID string, m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.log(threadID)
	m.Delivery = models.DeliverySending
	if m.Thread == "" {
		m.Thread = threadID
	}
	tl.seq++
	e := &entry{msg: m, seq: tl.seq}
	tl.entries = append(tl.entries, e)
	tl.byID[m.ID] = e
	resort(tl)
}

// MarkSent updates a temp entry's status without reordering.
func (s *Store) MarkSent(threadID, tempID string) bool {
	return s.setDelivery(threadID, tempID, models.DeliverySent)
}

// MarkFailed updates a temp entry's status without reordering. The entry is
// retained so the content survives for retry.
func (s *Store) MarkFailed(threadID, tempID string) bool {
	return s.setDelivery(threadID, tempID, models.DeliveryFailed)
}

// MarkSending resets a failed entry for a retry attempt.
func (s *Store) MarkSending(threadID, tempID string) bool {
	return s.setDelivery(threadID, tempID, models.DeliverySending)
}

func (s *Store) setDelivery(threadID, id string, st models.DeliveryStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.threads[threadID]
	if !ok {
		return false
	}
	e, ok := tl.byID[id]
	if !ok {
		return false
	}
	e.msg.Delivery = st
	return true
}

// ApplyEdit overwrites the stored content of a message with its
// server-accepted edit. The message keeps its timestamp and slot.
func (s *Store) ApplyEdit(threadID string, m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.threads[threadID]
	if !ok {
		return false
	}
	e, ok := tl.byID[m.ID]
	if !ok {
		return false
	}
	e.msg.Content = m.Content
	refresh(e, m)
	s.writeThrough(threadID, e.msg)
	return true
}

// Get returns a copy of the message with the given id in the thread.
func (s *Store) Get(threadID, id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.threads[threadID]
	if !ok {
		return models.Message{}, false
	}
	e, ok := tl.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return e.msg, true
}

// Snapshot returns a copy of the thread's messages in visible order.
func (s *Store) Snapshot(threadID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(tl.entries))
	for i, e := range tl.entries {
		out[i] = e.msg
	}
	return out
}

// LastConfirmed returns the newest server-confirmed timestamp in the
// thread, the poll fetch cursor. Zero means fetch from the beginning.
func (s *Store) LastConfirmed(threadID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.threads[threadID]
	if !ok {
		return 0
	}
	for i := len(tl.entries) - 1; i >= 0; i-- {
		if tl.entries[i].msg.Confirmed() {
			return tl.entries[i].msg.TS
		}
	}
	return 0
}
