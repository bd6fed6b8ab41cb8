package reader

import (
	"bytes"
	"testing"
)

func TestCachingReaderServesAcrossPageBoundary(t *testing.T) {
	data := make([]byte, 4*PageSize)
	for i := range data {
		data[i] = byte(i)
	}
	back := NewMemReader(data, "t")
	c := NewCachingReader(back, PageSize, 2)

	buf := make([]byte, 16)
	off := int64(PageSize - 8)
	n, err := c.ReadAt(off, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 16 {
		t.Fatalf("want 16 bytes, got %d", n)
	}
	if !bytes.Equal(buf, data[off:off+16]) {
		t.Fatalf("cached read mismatch at page boundary")
	}
}

func TestCachingReaderEvictsLRU(t *testing.T) {
	data := make([]byte, 8*PageSize)
	back := NewMemReader(data, "t")
	c := NewCachingReader(back, PageSize, 2)

	buf := make([]byte, 1)
	for _, page := range []int64{0, 1, 2, 0} {
		if _, err := c.ReadAt(page*PageSize, buf); err != nil {
			t.Fatal(err)
		}
	}
	if len(c.pages) > 2 {
		t.Fatalf("cache grew beyond capacity: %d pages held", len(c.pages))
	}
	// reading page 2 evicted page 0, re-reading page 0 evicted page 1,
	// the least recently used of the two held
	if _, ok := c.pages[1]; ok {
		t.Fatalf("page 1 still cached; want it evicted as least recently used")
	}
	for _, page := range []int64{0, 2} {
		if _, ok := c.pages[page]; !ok {
			t.Fatalf("page %d not cached", page)
		}
	}
}

func TestCachingReaderTolerantTail(t *testing.T) {
	back := NewMemReader([]byte("short"), "t")
	c := NewCachingReader(back, PageSize, 4)

	buf := make([]byte, 20)
	n, err := c.ReadAtMost(0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("want 5 bytes, got %d", n)
	}
}
