// Package process unifies a target seen through either provider — a
// live ptrace attachment or a post-mortem core image — into one model:
// an executable, an address space, the objects the dynamic linker
// loaded, and the target's threads.
package process

import (
	stdelf "debug/elf"
	"fmt"
	"unsafe"

	"github.com/elfwalk/elfwalk/pkg/addrspace"
	"github.com/elfwalk/elfwalk/pkg/dwarf/frame"
	"github.com/elfwalk/elfwalk/pkg/elf"
	"github.com/elfwalk/elfwalk/pkg/logsink"
	"github.com/elfwalk/elfwalk/pkg/symtab"
)

// LoadedObject binds a relocation base to an ELF image. The relocation
// base is owned by the process; the image may be shared between
// processes in test fixtures.
type LoadedObject struct {
	Reloc  uint64
	Path   string
	Object *elf.Object

	// proc is a weak back-pointer used only for diagnostics.
	proc *Process
}

// String identifies the object for verbose logging.
func (lo *LoadedObject) String() string {
	return fmt.Sprintf("%s @ %#x", lo.Path, lo.Reloc)
}

// Thread is one thread of the target, with the register file captured
// when the target was frozen (live) or dumped (core).
type Thread struct {
	ID   int
	Regs Registers

	Process *Process
}

// Process owns an executable image, an optional core image, the
// address-space reader, and the ordered loaded-object list.
type Process struct {
	Exec *elf.Object
	Core *elf.Object

	Space addrspace.Space

	Objects []*LoadedObject

	sink    logsink.Sink
	live    *addrspace.LiveSpace
	threads []*Thread
	loaded  bool

	frameCache map[*LoadedObject]frame.FrameDescriptionEntries
	symCache   map[*LoadedObject]*symtab.Table
}

// OpenCore assembles a process from a core image and, optionally, the
// executable that produced it. When execPath is empty the path
// embedded in the core's NT_PRPSINFO note is tried, best-effort.
func OpenCore(corePath, execPath string, sink logsink.Sink) (*Process, error) {
	if sink == nil {
		sink = logsink.Null()
	}

	core, err := elf.OpenFile(corePath)
	if err != nil {
		return nil, err
	}

	p := &Process{
		Core:       core,
		Space:      addrspace.NewCoreSpace(core),
		sink:       sink,
		frameCache: map[*LoadedObject]frame.FrameDescriptionEntries{},
		symCache:   map[*LoadedObject]*symtab.Table{},
	}

	if execPath == "" {
		execPath = p.execPathFromCore()
	}
	if execPath != "" {
		exec, err := elf.OpenFile(execPath)
		if err != nil {
			sink.Warnf("cannot open executable %s: %v", execPath, err)
		} else {
			p.Exec = exec
		}
	}
	return p, nil
}

// AttachLive assembles a process around a live attachment to pid. The
// target's threads stay stopped until Close.
func AttachLive(pid int, sink logsink.Sink) (*Process, error) {
	if sink == nil {
		sink = logsink.Null()
	}

	live, err := addrspace.Attach(pid)
	if err != nil {
		return nil, err
	}

	p := &Process{
		Space:      live,
		sink:       sink,
		live:       live,
		frameCache: map[*LoadedObject]frame.FrameDescriptionEntries{},
		symCache:   map[*LoadedObject]*symtab.Table{},
	}

	exec, err := elf.OpenFile(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		live.Close()
		return nil, err
	}
	p.Exec = exec
	return p, nil
}

// Close releases the provider. For a live target this detaches and
// resumes every thread.
func (p *Process) Close() error {
	return p.Space.Close()
}

// Load performs rendezvous-driven loaded-object discovery. It is
// idempotent: the walk happens once, later calls return immediately.
func (p *Process) Load() error {
	if p.loaded {
		return nil
	}
	p.loaded = true

	if p.Exec != nil {
		p.Objects = append(p.Objects, &LoadedObject{
			Reloc:  0,
			Path:   p.Exec.Path(),
			Object: p.Exec,
			proc:   p,
		})
	}

	p.loadRendezvous()

	// the dynamic linker itself may not appear in its own link map
	if p.Exec != nil {
		if interp := p.Exec.Interpreter(); interp != "" && p.objectByPath(interp) == nil {
			p.addObject(interp, 0)
		}
	}

	for _, lo := range p.Objects {
		p.sink.Debugf("loaded object %s", lo)
	}
	return nil
}

// Threads returns the target's threads in OS enumeration order.
func (p *Process) Threads() ([]*Thread, error) {
	if p.threads != nil {
		return p.threads, nil
	}

	if p.live != nil {
		for _, tid := range p.live.Tids() {
			regs, err := p.live.Registers(tid)
			if err != nil {
				p.sink.Warnf("cannot read registers of thread %d: %v", tid, err)
				continue
			}
			p.threads = append(p.threads, &Thread{ID: tid, Regs: fromPtraceRegs(regs), Process: p})
		}
		return p.threads, nil
	}

	threads, err := p.threadsFromCore()
	if err != nil {
		return nil, err
	}
	p.threads = threads
	return p.threads, nil
}

// ObjectForPC returns the loaded object whose segments cover pc, or
// nil.
func (p *Process) ObjectForPC(pc uint64) *LoadedObject {
	for _, lo := range p.Objects {
		if lo.Object == nil {
			continue
		}
		if lo.Object.FindHeaderForAddress(pc-lo.Reloc) != nil {
			return lo
		}
	}
	return nil
}

// FrameTable returns lo's CFI index, parsing .debug_frame and
// .eh_frame on first use. Missing tables are non-fatal: an empty index
// is cached so unwinding degrades instead of failing.
func (p *Process) FrameTable(lo *LoadedObject) frame.FrameDescriptionEntries {
	if fdes, ok := p.frameCache[lo]; ok {
		return fdes
	}

	ptrSize := int(unsafe.Sizeof(uintptr(0)))
	obj := lo.Object
	var fdes frame.FrameDescriptionEntries

	if sec := obj.GetSection(".debug_frame", stdelf.SHT_PROGBITS); sec != nil {
		if data, err := obj.SectionData(sec); err == nil {
			fdes = frame.Parse(data, obj.File.ByteOrder, lo.Reloc, ptrSize)
		} else {
			p.sink.Warnf("%s: bad .debug_frame: %v", lo, err)
		}
	}
	if sec := obj.GetSection(".eh_frame", stdelf.SHT_PROGBITS); sec != nil {
		if data, err := obj.SectionData(sec); err == nil {
			eh := frame.ParseEhFrame(data, obj.File.ByteOrder, lo.Reloc, ptrSize, sec.Addr+lo.Reloc)
			fdes = fdes.Append(eh)
		} else {
			p.sink.Warnf("%s: bad .eh_frame: %v", lo, err)
		}
	}

	p.frameCache[lo] = fdes
	return fdes
}

// Symtab returns lo's DWARF name/line index, or nil when the image
// carries no usable DWARF. The result is cached either way.
func (p *Process) Symtab(lo *LoadedObject) *symtab.Table {
	if tbl, ok := p.symCache[lo]; ok {
		return tbl
	}

	tbl, err := symtab.New(lo.Object)
	if err != nil {
		p.sink.Debugf("%s: no DWARF info: %v", lo, err)
		tbl = nil
	}
	p.symCache[lo] = tbl
	return tbl
}

func (p *Process) objectByPath(path string) *LoadedObject {
	for _, lo := range p.Objects {
		if lo.Path == path {
			return lo
		}
	}
	return nil
}

// addObject opens path and appends it as a loaded object. Parse
// failures of a non-essential object are logged and skipped.
func (p *Process) addObject(path string, reloc uint64) {
	obj, err := elf.OpenFile(path)
	if err != nil {
		p.sink.Warnf("skipping loaded object %s: %v", path, err)
		return
	}
	p.Objects = append(p.Objects, &LoadedObject{Reloc: reloc, Path: path, Object: obj, proc: p})
}
