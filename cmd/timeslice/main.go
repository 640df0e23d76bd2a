package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/DylanGTech/PiousOS/internal/timeslice"
)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per-phase sums of timeslice durations")
	kind := fs.String("flags", "", "Only show phases with any of these flags (loader, kernel)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *filename == "" {
		fs.Usage()
		return fmt.Errorf("-filename is required")
	}

	filter, err := timeslice.ParseSliceFlags(*kind)
	if err != nil {
		return err
	}
	match := func(flags timeslice.SliceFlags) bool {
		return filter == 0 || flags&filter != 0
	}

	f, err := os.Open(*filename)
	if err != nil {
		return fmt.Errorf("failed to open timeslice file: %w", err)
	}
	defer f.Close()

	if *sums {
		summaries, err := timeslice.Summarize(f)
		if err != nil {
			return fmt.Errorf("failed to read timeslice file: %w", err)
		}
		for _, s := range summaries {
			if !match(s.Flags) {
				continue
			}
			fmt.Printf("% 28s flags=% 7s boots=% 4d count=% 6d sum=% 14s min=% 14s max=% 14s avg=% 14s\n",
				s.Name, s.Flags, s.Boots, s.Count, s.Sum, s.Min, s.Max, s.Average())
		}
		return nil
	}

	return timeslice.ReadAllRecords(f, func(e timeslice.Entry) error {
		if !match(e.Flags) {
			return nil
		}
		fmt.Printf("boot %d %s %s %s\n", e.Boot, e.Kind, e.Flags, e.Duration)
		return nil
	})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "timeslice: %v\n", err)
		os.Exit(1)
	}
}
