// Command draidcfg generates a dRAID base-permutation map and writes it
// as the configuration nvlist fragment spec §6 describes
// (`draidcfg-generate`): `{bases, base_perms[bases x children]}` plus the
// chosen seed, so a pool-create tool can embed it directly.
package main

import (
	"flag"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/zfscore/spa/draid"
)

// nvfragment is the JSON shape of the configuration nvlist fragment spec
// §6 names. It is deliberately a one-off struct rather than label.NVList
// (which models the fixed-key vdev label payload, a different on-disk
// object): the draidcfg output rides into the pool-create nvlist as an
// additional fragment, not a label.
type nvfragment struct {
	Bases     int     `json:"bases"`
	Children  int     `json:"children"`
	NGroups   int     `json:"ngroups"`
	NSpares   int     `json:"nspares"`
	BasePerms [][]int `json:"base_perms"`
	Seed      int64   `json:"seed"`
	Score     float64 `json:"score"`
}

func main() {
	var (
		children = flag.Int("children", 0, "total number of devices in the dRAID vdev (data+parity+spares)")
		ngroups  = flag.Int("ngroups", 1, "number of redundancy groups")
		nspares  = flag.Int("nspares", 0, "number of distributed spares")
		seed     = flag.Int64("seed", 0, "pin a seed instead of reading /dev/random (0 = unpinned)")
		out      = flag.String("out", "", "output file (default: stdout)")
	)
	flag.Parse()

	if *children <= 0 || *ngroups <= 0 {
		fmt.Fprintln(os.Stderr, "draidcfg: -children and -ngroups are required and must be positive")
		os.Exit(2)
	}

	cfg := draid.Config{NDevs: *children, NGroups: *ngroups, NSpares: *nspares, Seed: *seed}
	m, err := draid.Generate(cfg, draid.ReadSystemSeed)
	if err != nil {
		fmt.Fprintln(os.Stderr, "draidcfg:", err)
		os.Exit(1)
	}
	if err := draid.Validate(m); err != nil {
		fmt.Fprintln(os.Stderr, "draidcfg: generated map failed validation:", err)
		os.Exit(1)
	}

	frag := nvfragment{
		Bases:     m.NRows,
		Children:  m.NDevs,
		NGroups:   m.NGroups,
		NSpares:   m.NSpares,
		BasePerms: m.Rows,
		Seed:      m.Seed,
		Score:     draid.Score(m),
	}
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(frag, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "draidcfg: encode:", err)
		os.Exit(1)
	}

	if *out == "" {
		os.Stdout.Write(b)
		os.Stdout.Write([]byte("\n"))
		return
	}
	if err := os.WriteFile(*out, b, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "draidcfg: write", *out, ":", err)
		os.Exit(1)
	}
}
