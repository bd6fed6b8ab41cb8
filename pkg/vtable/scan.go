// Package vtable scans a core's memory for pointer values landing
// inside C++ virtual-function tables, approximating a live-object
// count per class. Symbols matching the configured glob patterns are
// sorted by relocated address; every pointer-aligned word of every
// PT_LOAD segment is then bisected against that array.
package vtable

import (
	stdelf "debug/elf"
	"path"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/elfwalk/elfwalk/pkg/elf"
	"github.com/elfwalk/elfwalk/pkg/logsink"
	"github.com/elfwalk/elfwalk/pkg/process"
)

// DefaultPattern matches the vtables the GCC ABI emits.
const DefaultPattern = "_ZTV*"

const (
	wordSize = 8
	pageSize = 4096
)

// Config selects what the sweep looks for.
type Config struct {
	// Patterns are the symbol-name globs to collect; empty means
	// DefaultPattern.
	Patterns []string

	// FindString switches the sweep to a bytewise literal search.
	FindString string

	// FindRefs switches the sweep to reporting the address of every
	// word whose value lies in [FindMin, FindMax) and is 4-byte aligned.
	FindMin, FindMax uint64
	FindRefs         bool

	// ShowAddrs reports each individual hit as it is found.
	ShowAddrs bool

	// Workers parallelizes the segment sweep; 0 means GOMAXPROCS,
	// 1 keeps the sweep sequential.
	Workers int

	Sink logsink.Sink
}

// CountRow is one histogram row of the report.
type CountRow struct {
	Count  uint64 `yaml:"count"`
	Name   string `yaml:"name"`
	Object string `yaml:"object"`
	Addr   uint64 `yaml:"addr"`
	Size   uint64 `yaml:"size"`
}

// Hit is a single matched location, reported for ShowAddrs, literal
// and address-range searches.
type Hit struct {
	// Addr is the address the match was found at.
	Addr uint64
	// Name names the matched symbol, empty for literal and range
	// searches.
	Name string
	// Offset is the word's offset into the matched symbol.
	Offset uint64
}

// Report is the scan result: count rows sorted by count descending
// (zero rows suppressed) and, when requested, the individual hits.
type Report struct {
	Rows []CountRow
	Hits []Hit
}

// listedSymbol is one retained symbol with its per-scan counter. The
// counter is atomic so parallel workers of disjoint segments can tally
// without a lock.
type listedSymbol struct {
	addr   uint64
	size   uint64
	name   string
	object string
	count  *atomic.Uint64
}

// Scan sweeps proc's core segments per cfg.
func Scan(proc *process.Process, cfg Config) (*Report, error) {
	sink := cfg.Sink
	if sink == nil {
		sink = logsink.Null()
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{DefaultPattern}
	}

	listed := collectSymbols(proc, cfg.Patterns, sink)
	sort.Slice(listed, func(i, j int) bool { return listed[i].addr < listed[j].addr })
	sink.Infof("matched %d symbols across %d objects", len(listed), len(proc.Objects))

	report := &Report{}
	var segs []*stdelf.Prog
	for _, prog := range proc.Core.File.Progs {
		if prog.Type == stdelf.PT_LOAD && prog.Filesz > 0 {
			segs = append(segs, prog)
		}
	}

	hits := sweep(proc, cfg, listed, segs, sink)
	report.Hits = hits

	for _, sym := range listed {
		n := sym.count.Load()
		if n == 0 {
			continue
		}
		report.Rows = append(report.Rows, CountRow{
			Count:  n,
			Name:   sym.name,
			Object: sym.object,
			Addr:   sym.addr,
			Size:   sym.size,
		})
	}
	// determinism: ties broken by address
	sort.Slice(report.Rows, func(i, j int) bool {
		if report.Rows[i].Count != report.Rows[j].Count {
			return report.Rows[i].Count > report.Rows[j].Count
		}
		return report.Rows[i].Addr < report.Rows[j].Addr
	})
	return report, nil
}

// collectSymbols gathers pattern-matching symbols of every loaded
// object's .dynsym and .symtab, relocated by the object's base.
func collectSymbols(proc *process.Process, patterns []string, sink logsink.Sink) []*listedSymbol {
	var listed []*listedSymbol

	for _, lo := range proc.Objects {
		if lo.Object == nil {
			continue
		}
		count := 0
		for _, typ := range []stdelf.SectionType{stdelf.SHT_DYNSYM, stdelf.SHT_SYMTAB} {
			view := elf.NewSymbolView(lo.Object, typ)
			for {
				sym, ok := view.Next()
				if !ok {
					break
				}
				if !matchAny(patterns, sym.Name) {
					continue
				}
				listed = append(listed, &listedSymbol{
					addr:   sym.Value + lo.Reloc,
					size:   sym.Size,
					name:   sym.Name,
					object: lo.Path,
					count:  atomic.NewUint64(0),
				})
				count++
			}
		}
		sink.Debugf("found %d symbols in %s", count, lo.Path)
	}
	return listed
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// sweep walks every segment's file-backed bytes. Workers each take
// whole segments; their hit slices are private and merged at the end,
// so nothing mutable is shared beyond the atomic per-symbol counters.
func sweep(proc *process.Process, cfg Config, listed []*listedSymbol, segs []*stdelf.Prog, sink logsink.Sink) []Hit {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(segs) && len(segs) > 0 {
		workers = len(segs)
	}
	if workers <= 1 {
		var hits []Hit
		for _, seg := range segs {
			hits = append(hits, sweepSegment(proc, cfg, listed, seg, sink)...)
		}
		return hits
	}

	segCh := make(chan *stdelf.Prog)
	perWorker := make([][]Hit, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for seg := range segCh {
				perWorker[w] = append(perWorker[w], sweepSegment(proc, cfg, listed, seg, sink)...)
			}
		}(w)
	}
	for _, seg := range segs {
		segCh <- seg
	}
	close(segCh)
	wg.Wait()

	// deterministic output: merge in worker order, then sort by
	// address
	var hits []Hit
	for _, hs := range perWorker {
		hits = append(hits, hs...)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Addr < hits[j].Addr })
	return hits
}

// sweepSegment scans one PT_LOAD's file-backed range.
func sweepSegment(proc *process.Process, cfg Config, listed []*listedSymbol, seg *stdelf.Prog, sink logsink.Sink) []Hit {
	sink.Debugf("scan %#x to %#x (filesz=%#x memsz=%#x)",
		seg.Vaddr, seg.Vaddr+seg.Memsz, seg.Filesz, seg.Memsz)

	if cfg.FindString != "" {
		return sweepLiteral(proc, cfg.FindString, seg)
	}

	var hits []Hit
	page := make([]byte, pageSize)
	order := proc.Core.File.ByteOrder

	for loc := seg.Vaddr; loc < seg.Vaddr+seg.Filesz; loc += pageSize {
		n := seg.Vaddr + seg.Filesz - loc
		if n > pageSize {
			n = pageSize
		}
		if _, err := proc.Space.ReadAt(loc, page[:n]); err != nil {
			sink.Warnf("unreadable page at %#x: %v", loc, err)
			continue
		}

		for i := uint64(0); i+wordSize <= n; i += wordSize {
			word := order.Uint64(page[i : i+wordSize])
			if cfg.FindRefs {
				if word >= cfg.FindMin && word < cfg.FindMax && word%4 == 0 {
					hits = append(hits, Hit{Addr: loc + i})
				}
				continue
			}

			sym := bisect(listed, word)
			if sym == nil {
				continue
			}
			sym.count.Inc()
			if cfg.ShowAddrs {
				hits = append(hits, Hit{Addr: loc + i, Name: sym.name, Offset: word - sym.addr})
			}
		}
	}
	return hits
}

// bisect returns the listed symbol containing word: the greatest entry
// with addr <= word, provided addr+size still covers it.
func bisect(listed []*listedSymbol, word uint64) *listedSymbol {
	idx := sort.Search(len(listed), func(i int) bool {
		return listed[i].addr > word
	})
	if idx == 0 {
		return nil
	}
	cand := listed[idx-1]
	if cand.addr+cand.size > word {
		return cand
	}
	return nil
}

// sweepLiteral reports every occurrence of needle in the segment's
// file-backed bytes, bytewise.
func sweepLiteral(proc *process.Process, needle string, seg *stdelf.Prog) []Hit {
	var hits []Hit
	ln := uint64(len(needle))
	if seg.Filesz < ln {
		return nil
	}

	// overlap reads by the needle length so matches straddling a
	// chunk boundary are still seen
	buf := make([]byte, pageSize+len(needle)-1)
	for loc := seg.Vaddr; loc < seg.Vaddr+seg.Filesz-ln+1; loc += pageSize {
		end := loc + uint64(len(buf))
		if end > seg.Vaddr+seg.Filesz {
			end = seg.Vaddr + seg.Filesz
		}
		n, err := proc.Space.ReadAt(loc, buf[:end-loc])
		if err != nil && uint64(n) < ln {
			continue
		}
		chunk := buf[:n]
		for i := 0; i+int(ln) <= len(chunk); i++ {
			if i >= pageSize {
				break
			}
			if string(chunk[i:i+int(ln)]) == needle {
				hits = append(hits, Hit{Addr: loc + uint64(i)})
			}
		}
	}
	return hits
}
