package routing

import "testing"

func pkr(id, min, max string) PartitionKeyRange {
	return PartitionKeyRange{ID: id, MinInclusive: min, MaxExclusive: max}
}

func TestRangeContains(t *testing.T) {
	r := Range{Min: "40", Max: "80"}
	cases := []struct {
		key  string
		want bool
	}{
		{"40", true},
		{"7F", true},
		{"80", false}, // max is exclusive
		{"3F", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := r.Contains(tc.key); got != tc.want {
			t.Errorf("Contains(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
	if !FullRange().Contains("") {
		t.Error("full range must contain the minimum key")
	}
}

func TestRangeOverlaps(t *testing.T) {
	a := Range{Min: "", Max: "40"}
	b := Range{Min: "40", Max: "80"}
	if a.Overlaps(b) {
		t.Error("adjacent half-open ranges must not overlap")
	}
	c := Range{Min: "3F", Max: "50"}
	if !a.Overlaps(c) || !b.Overlaps(c) {
		t.Error("straddling range should overlap both neighbors")
	}
	if !FullRange().ContainsRange(b) {
		t.Error("full range should contain any subrange")
	}
	if (Range{Min: "40", Max: "40"}).IsEmpty() != true {
		t.Error("degenerate range should be empty")
	}
}

func TestSortRangesIsByMin(t *testing.T) {
	ranges := []PartitionKeyRange{
		pkr("2", "80", "FF"),
		pkr("0", "", "40"),
		pkr("1", "40", "80"),
	}
	SortRanges(ranges)
	for i, want := range []string{"0", "1", "2"} {
		if ranges[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, ranges[i].ID, want)
		}
	}
}

func TestVerifyCover(t *testing.T) {
	full := FullRange()
	ok := []PartitionKeyRange{
		pkr("0", "", "40"),
		pkr("1", "40", "80"),
		pkr("2", "80", "FF"),
	}
	if err := VerifyCover(full, ok); err != nil {
		t.Errorf("contiguous cover rejected: %v", err)
	}

	gap := []PartitionKeyRange{
		pkr("0", "", "40"),
		pkr("2", "80", "FF"),
	}
	if err := VerifyCover(full, gap); err == nil {
		t.Error("gap between ranges accepted")
	}

	short := []PartitionKeyRange{
		pkr("0", "", "40"),
		pkr("1", "40", "80"),
	}
	if err := VerifyCover(full, short); err == nil {
		t.Error("cover stopping before target max accepted")
	}

	late := []PartitionKeyRange{
		pkr("1", "40", "FF"),
	}
	if err := VerifyCover(full, late); err == nil {
		t.Error("cover starting after target min accepted")
	}

	if err := VerifyCover(full, nil); err == nil {
		t.Error("empty cover accepted")
	}
}
