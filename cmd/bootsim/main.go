// Command bootsim boots a kernel image on a simulated firmware and processor
// and reports the state the kernel starts in.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/DylanGTech/PiousOS/internal/bootconfig"
	"github.com/DylanGTech/PiousOS/internal/timeslice"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

func run() error {
	fs := flag.NewFlagSet("bootsim", flag.ExitOnError)
	configPath := fs.String("config", "", "machine configuration file (YAML); built in defaults when empty")
	kernelPath := fs.String("kernel", "", "kernel ELF image to boot")
	verbose := fs.Bool("v", false, "enable debug logging")
	timesliceFile := fs.String("timeslice", "", "write boot phase timings to this file")
	dumpIDT := fs.Bool("dump-idt", false, "print the installed interrupt descriptor table")
	dumpMap := fs.Bool("dump-map", false, "print the memory map handed to the kernel")
	writeConfig := fs.String("write-config", "", "write the effective machine configuration to this file and exit")
	preferred := fs.String("preferred", "", "preferred kernel load address, overrides the config (e.g. 0x40000000)")
	convention := fs.String("convention", "", "entry calling convention, overrides the config (sysv or ms)")
	options := fs.String("options", "", "kernel command line options, overrides the config")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bootsim [flags] -kernel <image>\n\nFLAGS:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	machine := bootconfig.Default()
	if *configPath != "" {
		var err error
		if machine, err = bootconfig.Load(*configPath); err != nil {
			return err
		}
	}
	if *preferred != "" {
		addr, err := strconv.ParseUint(*preferred, 0, 64)
		if err != nil {
			return fmt.Errorf("parse -preferred: %w", err)
		}
		machine.Loader.PreferredAddress = addr
	}
	if *convention != "" {
		machine.Loader.Convention = *convention
	}
	if *options != "" {
		machine.Loader.Options = *options
	}
	if err := machine.Validate(); err != nil {
		return err
	}

	if *writeConfig != "" {
		return bootconfig.Write(*writeConfig, machine)
	}

	if *kernelPath == "" {
		fs.Usage()
		return fmt.Errorf("-kernel is required")
	}
	f, err := os.Open(*kernelPath)
	if err != nil {
		return fmt.Errorf("open kernel: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat kernel: %w", err)
	}

	if *timesliceFile != "" {
		out, err := os.Create(*timesliceFile)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer out.Close()
		w, err := timeslice.StartRecording(out)
		if err != nil {
			return fmt.Errorf("start timeslice recording: %w", err)
		}
		defer w.Close()
	}

	var progress io.Writer
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(info.Size(), "load kernel")
		defer bar.Close()
		progress = bar
	}

	m, err := Boot(machine, f, uint64(info.Size()), progress)
	if err != nil {
		return err
	}
	defer m.Close()

	width := 0
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
	}
	printTable(os.Stdout, m.Summary(), width)
	if *dumpMap {
		fmt.Println()
		printTable(os.Stdout, m.MemoryMapRows(), width)
	}
	if *dumpIDT {
		rows, err := m.IDTRows()
		if err != nil {
			return err
		}
		fmt.Println()
		printTable(os.Stdout, rows, width)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bootsim: %v\n", strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
