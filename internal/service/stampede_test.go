package service

import (
	"sync"
	"testing"
)

func TestStampedeTracker_CountsOutstandingMisses(t *testing.T) {
	st := newStampedeTracker()
	key := "station-1"

	n1, end1 := st.begin(key)
	n2, end2 := st.begin(key)
	if n1 != 1 || n2 != 2 {
		t.Fatalf("begin counts = %d, %d, want 1, 2", n1, n2)
	}

	end1()
	end1() // second call is a no-op
	if got := st.outstanding(key); got != 1 {
		t.Errorf("outstanding after one end = %d, want 1", got)
	}
	end2()
	if got := st.outstanding(key); got != 0 {
		t.Errorf("outstanding after both ends = %d, want 0", got)
	}
	if n, end := st.begin(key); n != 1 {
		t.Errorf("begin after reset = %d, want 1", n)
	} else {
		end()
	}
}

func TestStampedeTracker_KeysAreIndependent(t *testing.T) {
	st := newStampedeTracker()
	_, endA := st.begin("a")
	defer endA()
	if n, end := st.begin("b"); n != 1 {
		t.Errorf("begin(b) = %d, want 1", n)
	} else {
		end()
	}
}

func TestStampedeTracker_Concurrent(t *testing.T) {
	st := newStampedeTracker()
	key := "station-2"
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, end := st.begin(key)
			end()
		}()
	}
	wg.Wait()
	if got := st.outstanding(key); got != 0 {
		t.Errorf("outstanding after concurrent ops = %d, want 0", got)
	}
}
