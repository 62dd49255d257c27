package cycle

import (
	"fmt"
	"testing"
)

func TestActivityLog_RecentNewestFirst(t *testing.T) {
	a := NewActivityLog(3)
	if got := a.Recent(0); len(got) != 0 {
		t.Fatalf("empty log returned %d entries", len(got))
	}

	for i := 1; i <= 5; i++ {
		if i%2 == 0 {
			a.Sent(fmt.Sprintf("m%d", i))
		} else {
			a.Status(fmt.Sprintf("m%d", i))
		}
	}

	got := a.Recent(0)
	want := []string{"m5", "m4", "m3"}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Message != w {
			t.Errorf("entry %d = %q, want %q", i, got[i].Message, w)
		}
	}
	if got[1].Kind != KindSent || got[0].Kind != KindStatus {
		t.Errorf("kinds = %q %q", got[0].Kind, got[1].Kind)
	}

	if got := a.Recent(2); len(got) != 2 || got[0].Message != "m5" {
		t.Errorf("Recent(2) = %+v", got)
	}
}
