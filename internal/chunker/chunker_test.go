package chunker

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func makeWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func TestSplit_1200Words(t *testing.T) {
	chunks, err := Split(makeWords(1200), 500, 100)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	want := [][2]int{{0, 500}, {400, 900}, {800, 1200}}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d: Index = %d", i, c.Index)
		}
		if c.Start != want[i][0] || c.End != want[i][1] {
			t.Errorf("chunk %d: range [%d,%d), want [%d,%d)", i, c.Start, c.End, want[i][0], want[i][1])
		}
		if got := len(strings.Fields(c.Text)); got != c.Words() {
			t.Errorf("chunk %d: text has %d words, range says %d", i, got, c.Words())
		}
	}
	if !strings.HasPrefix(chunks[1].Text, "w400 ") {
		t.Errorf("chunk 1 should start at w400, got %q", chunks[1].Text[:10])
	}
}

func TestSplit_Pages(t *testing.T) {
	chunks, err := Split(makeWords(1200), 500, 100)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	// start/size + 1: 0/500+1, 400/500+1, 800/500+1
	wantPages := []int{1, 1, 2}
	for i, c := range chunks {
		if c.Page != wantPages[i] {
			t.Errorf("chunk %d: Page = %d, want %d", i, c.Page, wantPages[i])
		}
	}
}

func TestSplit_ShortText(t *testing.T) {
	chunks, err := Split("the moon in the fourth house", 500, 100)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Text != "the moon in the fourth house" {
		t.Errorf("Text = %q", chunks[0].Text)
	}
	if chunks[0].Page != 1 {
		t.Errorf("Page = %d, want 1", chunks[0].Page)
	}
}

func TestSplit_NormalizesWhitespace(t *testing.T) {
	chunks, err := Split("  jupiter\n\tsaturn   rahu \n", 10, 2)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if chunks[0].Text != "jupiter saturn rahu" {
		t.Errorf("Text = %q", chunks[0].Text)
	}
}

func TestSplit_EmptyText(t *testing.T) {
	for _, text := range []string{"", "   \n\t "} {
		if _, err := Split(text, 500, 100); !errors.Is(err, ErrEmptyText) {
			t.Errorf("Split(%q) error = %v, want ErrEmptyText", text, err)
		}
	}
}

func TestSplit_InvalidWindow(t *testing.T) {
	tests := []struct {
		size, overlap int
	}{
		{500, 500},
		{500, 600},
		{0, 0},
		{-1, 0},
		{10, -1},
	}
	for _, tt := range tests {
		if _, err := Split("a b c", tt.size, tt.overlap); !errors.Is(err, ErrInvalidWindow) {
			t.Errorf("Split(size=%d, overlap=%d) error = %v, want ErrInvalidWindow", tt.size, tt.overlap, err)
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := makeWords(2345)
	a, err := Split(text, 500, 100)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	b, err := Split(text, 500, 100)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("Split is not deterministic")
	}
}

func TestSplit_Coverage(t *testing.T) {
	for _, n := range []int{1, 99, 100, 101, 499, 500, 501, 900, 1200, 1201, 3333} {
		for _, w := range [][2]int{{500, 100}, {100, 0}, {7, 3}, {2, 1}} {
			text := makeWords(n)
			chunks, err := Split(text, w[0], w[1])
			if err != nil {
				t.Fatalf("Split(n=%d): %v", n, err)
			}
			if got := Reassemble(chunks); got != text {
				t.Errorf("n=%d size=%d overlap=%d: reassembled text differs", n, w[0], w[1])
			}
			for i := 1; i < len(chunks); i++ {
				if chunks[i].Start != chunks[i-1].Start+w[0]-w[1] {
					t.Errorf("n=%d: chunk %d starts at %d", n, i, chunks[i].Start)
				}
				if chunks[i].End <= chunks[i-1].End {
					t.Errorf("n=%d: chunk %d adds no new words", n, i)
				}
			}
		}
	}
}

func TestSplit_NoRedundantTail(t *testing.T) {
	// 900 words: [0,500) and [400,900) already reach the end.
	chunks, err := Split(makeWords(900), 500, 100)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
}
