package process

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestBuffer_BasicAppendRead(t *testing.T) {
	b := NewBuffer()
	b.Append("hello ")
	b.Append("world")
	if got := b.String(); got != "hello world" {
		t.Errorf("String() = %q, want %q", got, "hello world")
	}
	if got := b.Len(); got != 11 {
		t.Errorf("Len() = %d, want 11", got)
	}
	frags := b.Fragments()
	if len(frags) != 2 || frags[0] != "hello " || frags[1] != "world" {
		t.Errorf("Fragments() = %q", frags)
	}
}

func TestBuffer_EmptyAppendIgnored(t *testing.T) {
	b := NewBuffer()
	b.Append("")
	if n := len(b.Fragments()); n != 0 {
		t.Errorf("Fragments() len = %d, want 0", n)
	}
	if got := b.String(); got != "" {
		t.Errorf("String() = %q, want empty", got)
	}
}

func TestBuffer_FragmentsIsCopy(t *testing.T) {
	b := NewBuffer()
	b.Append("a")
	frags := b.Fragments()
	frags[0] = "mutated"
	if got := b.String(); got != "a" {
		t.Errorf("String() = %q after mutating copy, want %q", got, "a")
	}
}

func TestBuffer_WriteReplacesInvalidUTF8(t *testing.T) {
	b := NewBuffer()
	n, err := b.Write([]byte{'o', 'k', 0xff, 0xfe, '\n'})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Errorf("Write returned %d, want 5", n)
	}
	got := b.String()
	if !strings.HasPrefix(got, "ok") || !strings.Contains(got, "\uFFFD") {
		t.Errorf("String() = %q, want replacement character", got)
	}
}

func TestBuffer_ConcurrentAppend(t *testing.T) {
	const writers = 8
	const perWriter = 500

	b := NewBuffer()
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				b.Append(fmt.Sprintf("w%d-%d;", w, i))
			}
		}(w)
	}
	wg.Wait()

	frags := b.Fragments()
	if len(frags) != writers*perWriter {
		t.Fatalf("got %d fragments, want %d", len(frags), writers*perWriter)
	}
	if got, want := b.String(), strings.Join(frags, ""); got != want {
		t.Error("String() differs from concatenation of Fragments()")
	}

	// Each writer's own fragments must keep their relative order.
	next := make([]int, writers)
	for _, f := range frags {
		var w, i int
		if _, err := fmt.Sscanf(f, "w%d-%d;", &w, &i); err != nil {
			t.Fatalf("bad fragment %q: %v", f, err)
		}
		if i != next[w] {
			t.Fatalf("writer %d: fragment %d out of order, want %d", w, i, next[w])
		}
		next[w]++
	}
}
