package libpool

import "sync"

// reputation tracks process-local, per-account offence counters: consecutive
// soft errors and ban strikes. Nothing here is persisted; a restart starts
// every account fresh.
type reputation struct {
	mu      sync.Mutex
	soft    map[string]int
	strikes map[string]int
}

func newReputation() *reputation {
	return &reputation{
		soft:    make(map[string]int),
		strikes: make(map[string]int),
	}
}

// bumpSoft increments and returns the consecutive soft-error count.
func (r *reputation) bumpSoft(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.soft[username]++
	return r.soft[username]
}

// resetSoft zeroes the soft-error count, consuming the threshold.
func (r *reputation) resetSoft(username string) {
	r.mu.Lock()
	delete(r.soft, username)
	r.mu.Unlock()
}

// bumpStrike increments and returns the ban-strike count.
func (r *reputation) bumpStrike(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strikes[username]++
	return r.strikes[username]
}

// clearStrikes removes the strike counter, either because the account went
// inactive or because a success wiped the slate.
func (r *reputation) clearStrikes(username string) {
	r.mu.Lock()
	delete(r.strikes, username)
	r.mu.Unlock()
}

// clear wipes both counters; called on any successful response.
func (r *reputation) clear(username string) {
	r.mu.Lock()
	delete(r.soft, username)
	delete(r.strikes, username)
	r.mu.Unlock()
}

// counts returns the current (soft, strikes) pair.
func (r *reputation) counts(username string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.soft[username], r.strikes[username]
}
