package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/charmbracelet/x/ansi"
	pprof "github.com/pkg/profile"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/orbvm/orbvm/internal/bootenv"
	"github.com/orbvm/orbvm/internal/gdb"
	"github.com/orbvm/orbvm/internal/profile"
	"github.com/orbvm/orbvm/internal/trace"
	"github.com/orbvm/orbvm/internal/vmm"
)

func main() {
	ok, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orbvm: %v\n", err)
		os.Exit(1)
	}

	if !ok {
		// The guest kernel panicked.
		os.Exit(1)
	}
}

func run() (bool, error) {
	profilePath := flag.String("profile", "", "Path of the VM profile (default: built-in settings)")
	kernelPath := flag.String("kernel", "", "Path of the kernel image (overrides the profile)")
	gdbAddr := flag.String("gdb", "", "Listen address for GDB and wait for it before booting (overrides the profile)")
	tracePath := flag.String("trace", "", "Write an execution trace to this file")
	cpuProfile := flag.String("cpuprofile", "", "Write a CPU profile into this directory")
	debugLog := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a kernel in a hardware-accelerated virtual machine.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -kernel obkrnl\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -profile vm.yml -gdb 127.0.0.1:1234\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debugLog {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	if *cpuProfile != "" {
		defer pprof.Start(pprof.CPUProfile, pprof.ProfilePath(*cpuProfile)).Stop()
	}

	p := profile.Default()

	if *profilePath != "" {
		var err error

		if p, err = profile.Load(*profilePath); err != nil {
			return false, err
		}
	}

	if *kernelPath != "" {
		p.Kernel = *kernelPath
	}

	if *gdbAddr != "" {
		p.DebugAddr = *gdbAddr
	}

	if p.Kernel == "" {
		flag.Usage()
		return false, fmt.Errorf("no kernel image given")
	}

	var tracer *trace.Tracer

	if *tracePath != "" {
		var err error

		if tracer, err = trace.Create(*tracePath); err != nil {
			return false, err
		}
		defer tracer.Close()
	}

	var progress io.Writer

	if term.IsTerminal(int(os.Stderr.Fd())) {
		progress = progressbar.DefaultBytes(-1, "loading kernel")
	}

	m, err := vmm.New(vmm.Options{
		Kernel:   p.Kernel,
		Profile:  p,
		Debug:    p.DebugAddr != "",
		Tracer:   tracer,
		OnLog:    printConsole,
		Progress: progress,
	})
	if err != nil {
		return false, err
	}
	defer m.Close()

	if p.DebugAddr != "" {
		srv, err := gdb.Listen(p.DebugAddr, m)
		if err != nil {
			return false, err
		}
		defer srv.Close()

		slog.Info("waiting for a debugger", "addr", srv.Addr())

		go srv.Serve()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		slog.Info("interrupted, stopping the vm")
		m.RequestShutdown()
	}()

	m.Start()

	return m.Wait()
}

// printConsole writes one guest console message to the host terminal, colored
// per level when stdout is a terminal.
func printConsole(cpu int, ty bootenv.ConsoleType, msg string) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("[cpu%d] %s: %s\n", cpu, ty, msg)
		return
	}

	var style ansi.Style

	switch ty {
	case bootenv.ConsoleWarn:
		style = ansi.Style{}.ForegroundColor(ansi.Yellow)
	case bootenv.ConsoleError:
		style = ansi.Style{}.ForegroundColor(ansi.Red)
	default:
		style = ansi.Style{}.ForegroundColor(ansi.BrightBlack)
	}

	fmt.Printf("%s %s\n", style.Styled(fmt.Sprintf("[cpu%d] %s:", cpu, ty)), msg)
}
