package cmd

import (
	"fmt"
	"io"

	yaml "gopkg.in/yaml.v2"

	"github.com/elfwalk/elfwalk/pkg/unwind"
	"github.com/elfwalk/elfwalk/pkg/vtable"
)

// printStack formats one thread's frame sequence.
func printStack(w io.Writer, tid int, it *unwind.Iter, showAddrs bool) {
	fmt.Fprintf(w, "thread %d:\n", tid)
	i := 0
	for {
		fr, ok := it.Next()
		if !ok {
			break
		}
		if showAddrs {
			fmt.Fprintf(w, "#%-3d %#016x ", i, fr.PC)
		} else {
			fmt.Fprintf(w, "#%-3d ", i)
		}
		fmt.Fprintf(w, "%s + %#x", fr.Symbol, fr.Offset)
		if fr.File != "" {
			fmt.Fprintf(w, " at %s:%d", fr.File, fr.Line)
		}
		if fr.Object != "" {
			fmt.Fprintf(w, " in %s", fr.Object)
		}
		fmt.Fprintln(w)
		i++
	}
}

// printReport formats the vtable histogram, count descending, zero
// rows already suppressed by the scanner. Hits are present for literal
// and address-range searches, and for vtable scans asked to report
// individual addresses.
func printReport(w io.Writer, report *vtable.Report, asYaml bool) error {
	if asYaml {
		return yaml.NewEncoder(w).Encode(report.Rows)
	}

	for _, hit := range report.Hits {
		if hit.Name != "" {
			fmt.Fprintf(w, "%s + %d %#x\n", hit.Name, hit.Offset, hit.Addr)
		} else {
			fmt.Fprintf(w, "%#x\n", hit.Addr)
		}
	}

	for _, row := range report.Rows {
		fmt.Fprintf(w, "%d %s ( from %s)\n", row.Count, row.Name, row.Object)
	}
	return nil
}
