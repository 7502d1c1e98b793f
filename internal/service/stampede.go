package service

import "sync"

// stampedeTracker counts concurrent cache misses per station. More than one miss for
// the same station at once means readers are racing to rebuild the same snapshot.
type stampedeTracker struct {
	mu     sync.Mutex
	misses map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{misses: make(map[string]int)}
}

// begin records a miss for key and returns how many misses are now outstanding for it,
// plus a func that ends this one. The end func is safe to call more than once.
func (st *stampedeTracker) begin(key string) (concurrent int, end func()) {
	st.mu.Lock()
	st.misses[key]++
	concurrent = st.misses[key]
	st.mu.Unlock()

	var once sync.Once
	return concurrent, func() {
		once.Do(func() {
			st.mu.Lock()
			defer st.mu.Unlock()
			if st.misses[key] <= 1 {
				delete(st.misses, key)
				return
			}
			st.misses[key]--
		})
	}
}

// outstanding returns the number of unfinished misses for key.
func (st *stampedeTracker) outstanding(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.misses[key]
}
