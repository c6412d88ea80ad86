package conversation

import "testing"

func TestChronological(t *testing.T) {
	t.Parallel()

	page := []Message{{ID: 3}, {ID: 2}, {ID: 1}}
	got := chronological(page)
	for i, want := range []int64{1, 2, 3} {
		if got[i].ID != want {
			t.Fatalf("got[%d].ID = %d, want %d", i, got[i].ID, want)
		}
	}
	if len(chronological(nil)) != 0 {
		t.Fatal("expected empty result")
	}
}
