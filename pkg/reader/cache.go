package reader

import (
	"container/list"
	"sync"

	"github.com/elfwalk/elfwalk/pkg/errs"
)

// PageSize is the default page granularity for CachingReader.
const PageSize = 4096

// CachingReader wraps a backing Reader with a bounded LRU of fixed-size
// pages. Hits are served from memory; misses fault in one page from the
// backing reader and evict the least-recently-used page once the cache is
// full. It is safe for concurrent use; a caller that wants per-worker
// isolation (the vtable scanner's parallel sweep) should construct one
// CachingReader per worker rather than share this one.
type CachingReader struct {
	back     Reader
	pageSize int
	capacity int

	mu    sync.Mutex
	pages map[int64]*list.Element
	order *list.List // front = most recently used
}

type cacheEntry struct {
	page int64
	data []byte
	n    int // valid bytes in data (may be < pageSize at end of input)
}

// NewCachingReader wraps back with an LRU of capacity pages of pageSize
// bytes each. A pageSize <= 0 uses PageSize; a capacity <= 0 uses 256
// pages (1 MiB at the default page size).
func NewCachingReader(back Reader, pageSize, capacity int) *CachingReader {
	if pageSize <= 0 {
		pageSize = PageSize
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &CachingReader{
		back:     back,
		pageSize: pageSize,
		capacity: capacity,
		pages:    make(map[int64]*list.Element),
		order:    list.New(),
	}
}

func (c *CachingReader) Describe() string { return "cache:" + c.back.Describe() }

func (c *CachingReader) ReadAt(off int64, dst []byte) (int, error) {
	n, err := c.ReadAtMost(off, dst)
	if err != nil {
		return n, err
	}
	if n < len(dst) {
		return n, &errs.ShortRead{Offset: off, Want: int64(len(dst)), Got: int64(n)}
	}
	return n, nil
}

func (c *CachingReader) ReadAtMost(off int64, dst []byte) (int, error) {
	total := 0
	for total < len(dst) {
		cur := off + int64(total)
		page := cur / int64(c.pageSize)
		pageOff := int(cur % int64(c.pageSize))

		entry, err := c.fetch(page)
		if err != nil {
			return total, err
		}
		if pageOff >= entry.n {
			// Backing reader ran out within this page; stop here,
			// tolerating the short tail.
			return total, nil
		}
		n := copy(dst[total:], entry.data[pageOff:entry.n])
		total += n
		if entry.n < c.pageSize {
			// Partial page means end of backing reader.
			return total, nil
		}
	}
	return total, nil
}

func (c *CachingReader) ReadString(off int64) (string, error) {
	return readStringVia(c.ReadAtMost, off)
}

func (c *CachingReader) fetch(page int64) (*cacheEntry, error) {
	c.mu.Lock()
	if el, ok := c.pages[page]; ok {
		c.order.MoveToFront(el)
		entry := el.Value.(*cacheEntry)
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	// Miss: fault in the page without holding the lock.
	buf := make([]byte, c.pageSize)
	n, err := c.back.ReadAtMost(page*int64(c.pageSize), buf)
	if err != nil {
		return nil, err
	}
	entry := &cacheEntry{page: page, data: buf, n: n}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.pages[page]; ok {
		// Lost the race to another fetch; keep the existing entry.
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry), nil
	}
	el := c.order.PushFront(entry)
	c.pages[page] = el
	for len(c.pages) > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		evicted := c.order.Remove(back).(*cacheEntry)
		delete(c.pages, evicted.page)
	}
	return entry, nil
}

