package pool

import "sync"

// userSlots counts running jobs per owner against a soft cap.
type userSlots struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

func newUserSlots(limit int) *userSlots {
	return &userSlots{limit: limit, counts: make(map[string]int)}
}

// tryAcquire takes a slot for owner unless the owner is at the cap.
func (u *userSlots) tryAcquire(owner string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.counts[owner] >= u.limit {
		return false
	}
	u.counts[owner]++
	return true
}

func (u *userSlots) release(owner string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.counts[owner] <= 1 {
		delete(u.counts, owner)
		return
	}
	u.counts[owner]--
}

func (u *userSlots) active(owner string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[owner]
}
