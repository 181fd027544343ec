// Command mustelatool prints a summary of a mustela database: the maximum
// key and bucket-name sizes for its page size, the number of buckets, and
// the name and key count of every bucket. It never writes to the file it
// inspects.
//
// Grounded on original_source/include/mustela/tx.cpp and db.cpp's
// debug_print_db/print_db, translated from raw struct dumps into a small
// read-only report.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/flyingmutant/mustela"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <database-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, "mustelatool:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	db, err := mustela.Open(path, mustela.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *mustela.Txn) error {
		fmt.Printf("max key size:    %d\n", db.MaxKeySize())
		fmt.Printf("max bucket name: %d\n", db.MaxBucketNameSize())
		names := tx.BucketNames()
		fmt.Printf("buckets:         %d\n", len(names))
		for _, name := range names {
			b, err := tx.Bucket(name)
			if err != nil {
				return err
			}
			fmt.Printf("  %-32s %d keys\n", name, b.Count())
		}
		return nil
	})
}
