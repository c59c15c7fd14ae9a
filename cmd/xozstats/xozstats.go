// xozstats prints the descriptor tree and allocator statistics of a xoz
// container. It is a read-only consumer of the library: the container is
// panic-closed so nothing is ever written back.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/xoz-format/xoz"
	"github.com/xoz-format/xoz/internal/diag"
	"github.com/xoz-format/xoz/internal/lifecycle"
)

var traceFlag = flag.Bool("trace",
	false,
	"write a Chrome trace event file to $TMPDIR/xoz.traces/")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-trace] <container.xoz>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *traceFlag {
		if err := diag.Enable("xozstats"); err != nil {
			log.Fatalf("-trace: %v", err)
		}
	}
	lifecycle.HandleInterrupts()

	f, err := xoz.Open(flag.Arg(0), xoz.NewRegistry())
	if err != nil {
		log.Fatal(err)
	}
	defer f.PanicClose()

	color := isatty.IsTerminal(os.Stdout.Fd())
	bold := func(s string) string {
		if color {
			return "\x1b[1m" + s + "\x1b[0m"
		}
		return s
	}

	fmt.Printf("%s %s\n", bold("container:"), flag.Arg(0))
	fmt.Printf("  blk_sz: %d\n", f.BlkSz())
	fmt.Printf("  blk_total_cnt: %d\n", f.BlkTotalCnt())
	fmt.Printf("  trampoline: %v\n", f.HasTrampoline())

	fmt.Println(bold("tree:"))
	printSet(f.Root(), 1)

	st := f.AllocStats()
	fmt.Println(bold("allocator:"))
	fmt.Printf("  in-use blocks: %d (sub-alloc blocks: %d, sub-blocks: %d)\n",
		st.InUseBlocks, st.InUseSuballocBlocks, st.InUseSubblocks)
	fmt.Printf("  extents: %d, inline bytes: %d\n", st.ExtentCount, st.InlineBytes)
	fmt.Printf("  alloc calls: %d, dealloc calls: %d\n", st.AllocCalls, st.DeallocCalls)
}

func printSet(set *xoz.DescriptorSet, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, d := range set.Descriptors() {
		hdr := d.Header()
		fmt.Printf("%stype=0x%04x id=0x%08x isize=%d", indent, hdr.Type, hdr.ID, hdr.ISize)
		if d.DoesOwnContent() {
			seg := d.ContentSegment()
			fmt.Printf(" csize=%d extents=%d", hdr.Content.CSize, seg.Length())
		}
		fmt.Println()
		if nested := xoz.NestedSetOf(d); nested != nil {
			printSet(nested, depth+1)
		}
	}
}
