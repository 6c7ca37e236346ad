// Command poolctl inspects a pool's meta-object directory (spec §6
// "Persisted state consumed/produced by the core"): the rebuild cursor
// and the per-metaslab space-map records, without needing a running
// pool process. It is a read/maintenance tool, not a replacement for
// the out-of-scope `zpool` CLI (spec §1).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zfscore/spa/poolmeta"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: poolctl -dir <path> <status|clear-rebuild>")
	flag.PrintDefaults()
}

func main() {
	dirPath := flag.String("dir", "", "path to the pool meta-object directory")
	flag.Usage = usage
	flag.Parse()

	if *dirPath == "" || flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	dir, err := poolmeta.Open(*dirPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "poolctl: open:", err)
		os.Exit(1)
	}
	defer dir.Close()

	switch flag.Arg(0) {
	case "status":
		err = status(dir)
	case "clear-rebuild":
		err = dir.ClearRebuildCursor()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "poolctl:", err)
		os.Exit(1)
	}
}

func status(dir *poolmeta.Dir) error {
	cursor, err := dir.GetRebuildCursor()
	if err != nil {
		return err
	}
	if cursor == nil {
		fmt.Println("rebuild: none in progress")
	} else {
		fmt.Printf("rebuild: last completed metaslab %d (source vdev %x, old vdev %x)\n",
			cursor.MS, cursor.VdevGUID, cursor.OldVdevGUID)
	}

	fmt.Println("space-map records:")
	n := 0
	err = dir.Walk(func(msID uint64, r *poolmeta.SpaceMapRecord) bool {
		fmt.Printf("  metaslab %d: object %d, objsize %d, alloc %d\n", msID, r.ObjectID, r.ObjSize, r.Alloc)
		n++
		return true
	})
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("  (none)")
	}
	return nil
}
