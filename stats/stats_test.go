package stats

import "testing"

// With Enabled off, counters must stay zero and Stats2String must report
// nothing, so hot paths carrying them cost a constant-folded branch.
func TestCompiledOut(t *testing.T) {
	var st struct {
		Nfoo Counter_t
		Nbar Counter_t
	}
	st.Nfoo.Inc()
	st.Nfoo.Inc()
	if Enabled {
		if st.Nfoo != 2 {
			t.Fatalf("Nfoo = %d, want 2", st.Nfoo)
		}
		return
	}
	if st.Nfoo != 0 {
		t.Fatalf("Nfoo = %d with stats disabled, want 0", st.Nfoo)
	}
	if s := Stats2String(st); s != "" {
		t.Fatalf("Stats2String = %q with stats disabled, want empty", s)
	}
}
