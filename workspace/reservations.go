package workspace

import (
	"sync"
	"time"
)

// defaultReservationTTL bounds a reservation's lifetime when the caller
// passes a non-positive TTL.
const defaultReservationTTL = 10 * time.Minute

// Reservation is an advisory, TTL-bounded exclusive claim on a path. It does
// not participate in the per-path lock; callers use it to avoid planning
// conflicting work.
type Reservation struct {
	Path      string    `json:"path"`
	Holder    string    `json:"holder"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r Reservation) expired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

// reservationTable holds at most one live reservation per path. Expired
// entries are reaped lazily on access.
type reservationTable struct {
	mu     sync.Mutex
	byPath map[string]Reservation
	now    func() time.Time
}

func newReservationTable() *reservationTable {
	return &reservationTable{byPath: make(map[string]Reservation), now: time.Now}
}

// reserve grants an exclusive claim on path to agentID for ttl. It returns
// false when another agent holds a live reservation. Re-reserving by the
// current holder refreshes the TTL.
func (t *reservationTable) reserve(path, agentID string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if cur, ok := t.byPath[path]; ok && !cur.expired(now) && cur.Holder != agentID {
		return false
	}
	t.byPath[path] = Reservation{
		Path:      path,
		Holder:    agentID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return true
}

// release drops the reservation on path if agentID holds it.
func (t *reservationTable) release(path, agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.byPath[path]
	if !ok || cur.Holder != agentID {
		return false
	}
	delete(t.byPath, path)
	return true
}

// releaseAll drops every reservation held by agentID.
func (t *reservationTable) releaseAll(agentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for path, cur := range t.byPath {
		if cur.Holder == agentID {
			delete(t.byPath, path)
			n++
		}
	}
	return n
}

// holder reports the live holder of path, if any.
func (t *reservationTable) holder(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.byPath[path]
	if !ok || cur.expired(t.now()) {
		delete(t.byPath, path)
		return "", false
	}
	return cur.Holder, true
}

// list snapshots all live reservations.
func (t *reservationTable) list() []Reservation {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []Reservation
	for path, cur := range t.byPath {
		if cur.expired(now) {
			delete(t.byPath, path)
			continue
		}
		out = append(out, cur)
	}
	return out
}
