// Command arborctl exercises a tree file from the command line: open,
// put, seek, checkpoint, and consistency-check, the operational surface
// a reimplementation needs without pulling in a query layer. It uses
// log.Printf the way the teacher's cmd/demo and cmd/benchmark tools do,
// rather than importing a structured logger into the storage core.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/arbordb/arbor/pkg/gbtree"
	"github.com/arbordb/arbor/pkg/pagefile"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("arborctl: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "put":
		err = runPut(args)
	case "get":
		err = runGet(args)
	case "seek":
		err = runSeek(args)
	case "checkpoint":
		err = runCheckpoint(args)
	case "check":
		err = runCheck(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: arborctl <command> [flags]

commands:
  put        -file=path -key=k -value=v    insert or overwrite one entry
  get        -file=path -key=k             look up one entry
  seek       -file=path [-from=k] [-to=k]  scan a key range
  checkpoint -file=path                    advance generation, sync to disk
  check      -file=path                    run a structural consistency check`)
}

func defaultLayout() gbtree.BytesLayout {
	return gbtree.BytesLayout{MaxKey: 1024, MaxValue: 1 << 20, MaxInlineKey: 64, MaxInlineValue: 256}
}

func openTree(file string, readOnly bool) (*gbtree.Tree, error) {
	if file == "" {
		return nil, fmt.Errorf("arborctl: -file is required")
	}
	return gbtree.Open(file, gbtree.Options{
		PageSize: pagefile.DefaultPageSize,
		Layout:   defaultLayout(),
		ReadOnly: readOnly,
	})
}

func runPut(args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	file := fs.String("file", "", "tree file path")
	key := fs.String("key", "", "key")
	value := fs.String("value", "", "value")
	fs.Parse(args)

	tree, err := openTree(*file, false)
	if err != nil {
		return err
	}
	defer tree.Close()

	w, err := tree.Writer()
	if err != nil {
		return fmt.Errorf("arborctl: put: %w", err)
	}
	defer w.Release()
	if err := w.Put([]byte(*key), []byte(*value)); err != nil {
		return fmt.Errorf("arborctl: put: %w", err)
	}
	log.Printf("put %q = %q", *key, *value)
	return nil
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	file := fs.String("file", "", "tree file path")
	key := fs.String("key", "", "key")
	fs.Parse(args)

	tree, err := openTree(*file, true)
	if err != nil {
		return err
	}
	defer tree.Close()

	s := tree.Seeker()
	defer s.Close()
	it, err := s.Seek([]byte(*key), nil)
	if err != nil {
		return fmt.Errorf("arborctl: get: %w", err)
	}
	if !it.Next() || string(it.Key()) != *key {
		log.Printf("key %q not found", *key)
		return nil
	}
	value, err := it.Value()
	if err != nil {
		return fmt.Errorf("arborctl: get: %w", err)
	}
	fmt.Println(string(value))
	return nil
}

func runSeek(args []string) error {
	fs := flag.NewFlagSet("seek", flag.ExitOnError)
	file := fs.String("file", "", "tree file path")
	from := fs.String("from", "", "inclusive lower bound, empty for unbounded")
	to := fs.String("to", "", "exclusive upper bound, empty for unbounded")
	fs.Parse(args)

	tree, err := openTree(*file, true)
	if err != nil {
		return err
	}
	defer tree.Close()

	var lo, hi []byte
	if *from != "" {
		lo = []byte(*from)
	}
	if *to != "" {
		hi = []byte(*to)
	}

	s := tree.Seeker()
	defer s.Close()
	it, err := s.Seek(lo, hi)
	if err != nil {
		return fmt.Errorf("arborctl: seek: %w", err)
	}
	count := 0
	for it.Next() {
		value, err := it.Value()
		if err != nil {
			return fmt.Errorf("arborctl: seek: %w", err)
		}
		fmt.Printf("%s\t%s\n", it.Key(), value)
		count++
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("arborctl: seek: %w", err)
	}
	log.Printf("%d entries", count)
	return nil
}

func runCheckpoint(args []string) error {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	file := fs.String("file", "", "tree file path")
	fs.Parse(args)

	tree, err := openTree(*file, false)
	if err != nil {
		return err
	}
	defer tree.Close()

	if err := tree.Checkpoint(nil); err != nil {
		return fmt.Errorf("arborctl: checkpoint: %w", err)
	}
	log.Printf("checkpoint complete")
	return nil
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	file := fs.String("file", "", "tree file path")
	fs.Parse(args)

	tree, err := openTree(*file, true)
	if err != nil {
		return err
	}
	defer tree.Close()

	report := tree.ConsistencyCheck()
	log.Printf("nodes=%d leaves=%d keys=%d", report.NodesVisited, report.LeafCount, report.KeyCount)
	if !report.OK() {
		for _, e := range report.Errors {
			log.Printf("error: %s", e)
		}
		return fmt.Errorf("arborctl: check: %d invariant violation(s)", len(report.Errors))
	}
	log.Printf("consistent")
	return nil
}
