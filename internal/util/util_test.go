package util

import (
	"reflect"
	"testing"
)

func TestStableUniq(t *testing.T) {
	t.Parallel()
	got := StableUniq([]string{"b", "a", "b", "c", "a"})
	if !reflect.DeepEqual(got, []string{"b", "a", "c"}) {
		t.Fatalf("StableUniq = %v", got)
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()
	in := []int{1, 2, 3, 4, 5}
	got := Chunk(in, 2)
	if len(got) != 3 || len(got[2]) != 1 || got[2][0] != 5 {
		t.Fatalf("Chunk = %v", got)
	}
	got[0] = append(got[0], 99)
	if in[2] != 3 {
		t.Fatalf("appending to a chunk must not clobber the next one")
	}
	if Chunk([]int{}, 50) != nil {
		t.Fatalf("empty input yields no chunks")
	}
}

func TestStripQuery(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"https://example.com/login?session=abc#top": "https://example.com/login",
		"https://example.com/":                      "https://example.com/",
		"":                                          "",
		"http://[::1]:namedport?x=1":                "http://[::1]:namedport",
	}
	for in, want := range cases {
		if got := StripQuery(in); got != want {
			t.Errorf("StripQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSortedJSON(t *testing.T) {
	t.Parallel()
	if got := SortedJSON([]int64{3, 1, 2}); got != "[1,2,3]" {
		t.Fatalf("SortedJSON = %s", got)
	}
	if got := SortedJSON[int64](nil); got != "[]" {
		t.Fatalf("SortedJSON(nil) = %s", got)
	}
}

func TestLowerStrip(t *testing.T) {
	t.Parallel()
	got := LowerStrip([]string{" NS2.Example.com ", "ns1.example.com", "", "ns2.example.com"})
	if !reflect.DeepEqual(got, []string{"ns1.example.com", "ns2.example.com"}) {
		t.Fatalf("LowerStrip = %v", got)
	}
}
