package dispute

import "testing"

func TestSplitDeposit_EvenShareWithRemainder(t *testing.T) {
	shares, sink := splitDeposit(10, 3)
	for i, got := range shares {
		if got != 3 {
			t.Fatalf("shares[%d] = %d, want 3", i, got)
		}
	}
	if sink != 1 {
		t.Fatalf("sink = %d, want 1", sink)
	}
}

func TestSplitDeposit_ExactDivision(t *testing.T) {
	shares, sink := splitDeposit(15, 5)
	for i, got := range shares {
		if got != 3 {
			t.Fatalf("shares[%d] = %d, want 3", i, got)
		}
	}
	if sink != 0 {
		t.Fatalf("sink = %d, want 0", sink)
	}
}

func TestSplitDeposit_SmallerThanCommittee(t *testing.T) {
	// A deposit that cannot cover an even share still pays resolvers
	// first, one unit each, and leaves nothing for the sink.
	shares, sink := splitDeposit(2, 5)
	if sink != 0 {
		t.Fatalf("sink = %d, want 0", sink)
	}
	var paid, total int64
	for _, got := range shares {
		if got > 1 {
			t.Fatalf("unit distribution handed out %d at once", got)
		}
		if got == 1 {
			paid++
		}
		total += got
	}
	if paid != 2 || total != 2 {
		t.Fatalf("distributed %d to %d resolvers, want the full 2", total, paid)
	}
}
