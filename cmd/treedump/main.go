// Command treedump loads a coretux3 B-tree from a devstore directory and
// prints its structure: for each leaf, the level and entry count of every
// internal node on its path, then the leaf's contents via the leaf-ops
// dump vtable callback (spec.md §6). Separators and child pointers are
// not printed. It is a read-only debug aid, not a mount/format tool.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/logrusorgru/aurora"

	"github.com/tux3fs/coretux3/internal/btree"
	"github.com/tux3fs/coretux3/internal/buffer"
	"github.com/tux3fs/coretux3/internal/buftype"
	"github.com/tux3fs/coretux3/internal/delta"
	"github.com/tux3fs/coretux3/internal/devstore"
	"github.com/tux3fs/coretux3/internal/dleaf"
	"github.com/tux3fs/coretux3/log"
)

type noAlloc struct{}

func (noAlloc) AllocBlock() (buftype.BlockT, error) {
	return 0, buftype.NewInvariant("treedump: read-only, allocation not supported")
}

func main() {
	var (
		dbPath    = flag.String("db", "", "devstore directory (pebble)")
		blockSize = flag.Int("blocksize", 4096, "block size in bytes")
		addrSpace = flag.Uint64("addrspace", 0, "address space id")
		depth     = flag.Uint("depth", 1, "root descriptor depth (0 with -direct means direct extent, 0 alone means empty)")
		block     = flag.Uint64("block", 0, "root descriptor block")
		direct    = flag.Bool("direct", false, "root descriptor is a direct extent")
		dcount    = flag.Uint("directcount", 0, "root descriptor direct-extent block count")
		nocolor   = flag.Bool("no-color", false, "disable ANSI color output")
	)
	flag.Parse()
	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: treedump -db <path> -block <n> [-depth <n>] [-direct] [-directcount <n>]")
		os.Exit(2)
	}

	au := aurora.NewAurora(!*nocolor)

	dev, err := devstore.OpenPebbleDevice(*dbPath, *blockSize)
	if err != nil {
		log.Crit("treedump: open devstore", "err", err)
	}
	defer dev.Close()

	cache := buffer.NewCache(*blockSize, 0, func(as uint64, idx buftype.BlockT) ([]byte, error) {
		return dev.ReadBlock(as, idx)
	})

	root := buftype.RootDescriptor{
		Depth:       uint16(*depth),
		Block:       buftype.BlockT(*block),
		Direct:      *direct,
		DirectCount: uint32(*dcount),
	}

	ops := &dleaf.Ops{BlockSize: *blockSize}
	t := btree.NewTree(cache, *addrSpace, *blockSize, ops, noAlloc{}, delta.NewCounter(), buffer.NewForkRegistry(), root)

	if root.Direct {
		fmt.Printf("%s block=%d count=%d\n", au.Yellow("direct-extent"), root.Block, root.DirectCount)
		return
	}
	if root.Empty() {
		fmt.Println(au.Faint("empty (no tree, no direct extent)"))
		return
	}

	fmt.Printf("%s depth=%d root=%d\n", au.Bold("tree"), root.Depth, root.Block)
	if err := dumpTree(t, ops, au); err != nil {
		log.Crit("treedump: dump failed", "err", err)
	}
}

func dumpTree(t *btree.Tree, ops *dleaf.Ops, au aurora.Aurora) error {
	c := btree.AllocCursor(t, 0)
	defer btree.ReleaseCursor(c)
	if err := btree.Probe(c, 0); err != nil {
		return err
	}
	leafNum := 0
	for {
		dumpPath(c, au)
		var buf bytes.Buffer
		ops.Dump(&buf, c.Leaf())
		colorizeLeaf(&buf, au)
		fmt.Printf("%s #%d\n", au.Cyan("leaf"), leafNum)
		leafNum++

		ok, err := btree.CursorAdvance(c)
		if err != nil {
			return err
		}
		if ok == 0 {
			break
		}
	}
	return nil
}

func dumpPath(c *btree.Cursor, au aurora.Aurora) {
	for level := 0; level < len(c.Path)-1; level++ {
		n := c.Path[level].Node
		fmt.Printf("  %s level=%d entries=%d\n", au.Faint("node"), level, n.Count())
	}
}

func colorizeLeaf(buf *bytes.Buffer, au aurora.Aurora) {
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		if strings.Contains(line, "(hole)") {
			fmt.Println(au.Red(line))
		} else if strings.Contains(line, "(new)") {
			fmt.Println(au.Green(line))
		} else {
			fmt.Println(line)
		}
	}
}
