package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/devilkun/cortexrun/pkg/backtrace"
	"github.com/devilkun/cortexrun/pkg/chipdb"
	"github.com/devilkun/cortexrun/pkg/controller"
	"github.com/devilkun/cortexrun/pkg/elfview"
	"github.com/devilkun/cortexrun/pkg/gdbpassthrough"
	"github.com/devilkun/cortexrun/pkg/probe"
)

// version is set at release build time; left as a placeholder the way
// delve's cmd/dlv bakes in a build-time value.
var version = "dev"

// flags collects every CLI surface in the design, before it's turned into
// controller.Options and the other wired components.
type flags struct {
	chip                   string
	chipDescriptionPath    string
	probeSelector          string
	speedKHz               int
	connectUnderReset      bool
	noFlash                bool
	noReset                bool
	eraseAll               bool
	verify                 bool
	disableDoubleBuffering bool
	measureStack           bool
	backtracePolicy        string
	backtraceLimit         int
	shortenPaths           bool
	verbosity              int
	jsonOutput             bool
	logFormat              string
	hostLogFormat          string
	gdbPassthrough         bool
	gdbAddr                string

	listChips  bool
	listProbes bool
	showVer    bool
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "cortexrun <elf>",
		Short:         "Flash and run ARM Cortex-M firmware over a debug probe, streaming its RTT logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyEnvFallback(f)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f, args)
		},
	}

	pf := cmd.Flags()
	pf.StringVar(&f.chip, "chip", "", "target chip name (env PROBE_RUN_CHIP)")
	pf.StringVar(&f.chipDescriptionPath, "chip-description-path", "", "YAML file augmenting the embedded chip registry")
	pf.StringVar(&f.probeSelector, "probe", "", "probe selector VID:PID[:Serial] or Serial (env PROBE_RUN_PROBE)")
	pf.IntVar(&f.speedKHz, "speed", 0, "probe clock speed in kHz (env PROBE_RUN_SPEED)")
	pf.BoolVar(&f.connectUnderReset, "connect-under-reset", false, "attach while holding the target in reset")
	pf.BoolVar(&f.noFlash, "no-flash", false, "skip flashing; run against whatever image is already on the target")
	pf.BoolVar(&f.noReset, "no-reset", false, "do not reset the target; halt it as found and skip canary instrumentation")
	pf.BoolVar(&f.eraseAll, "erase-all", false, "erase the whole flash before writing, not just the written pages")
	pf.BoolVar(&f.verify, "verify", false, "read back flash after writing and compare")
	pf.BoolVar(&f.disableDoubleBuffering, "disable-double-buffering", false, "disable double-buffered flash writes")
	pf.BoolVar(&f.measureStack, "measure-stack", false, "require canary instrumentation and fail if it cannot be installed")
	pf.StringVar(&f.backtracePolicy, "backtrace", "auto", "when to print a backtrace: auto|never|always")
	pf.IntVar(&f.backtraceLimit, "backtrace-limit", 50, "maximum frames to print; 0 = unlimited")
	pf.BoolVar(&f.shortenPaths, "shorten-paths", false, "shorten dependency source paths to crate:path form (this command registers no registry roots, so paths print unchanged)")
	pf.CountVarP(&f.verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	pf.BoolVar(&f.jsonOutput, "json", false, "emit structured JSON logs instead of text")
	pf.StringVar(&f.logFormat, "log-format", "{L} {s}", "format string for target log lines ({f|F|l|L|m|s|t}); accepted but not applied to output")
	pf.StringVar(&f.hostLogFormat, "host-log-format", "{L} {s}", "format string for host-originated log lines; accepted but not applied to output")
	pf.BoolVar(&f.gdbPassthrough, "gdb-passthrough", false, "after a HardFault, hand the probe session to a GDB client instead of exiting")
	pf.StringVar(&f.gdbAddr, "gdb-addr", gdbpassthrough.DefaultAddr, "listen address for --gdb-passthrough")

	pf.BoolVar(&f.listChips, "list-chips", false, "list every chip in the registry and exit")
	pf.BoolVar(&f.listProbes, "list-probes", false, "list every probe visible to the host and exit")
	pf.BoolVar(&f.showVer, "version", false, "print the version and exit")

	return cmd
}

// applyEnvFallback fills unset flag values from the environment variables
// the design names, the same precedence cobra's own PreRunE idiom expresses:
// an explicit flag always wins over its environment fallback.
func applyEnvFallback(f *flags) error {
	if f.chip == "" {
		f.chip = os.Getenv("PROBE_RUN_CHIP")
	}
	if f.probeSelector == "" {
		f.probeSelector = os.Getenv("PROBE_RUN_PROBE")
	}
	if f.speedKHz == 0 {
		if v := os.Getenv("PROBE_RUN_SPEED"); v != "" {
			speed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("PROBE_RUN_SPEED=%q is not an integer: %w", v, err)
			}
			f.speedKHz = speed
		}
	}
	return nil
}

func run(cmd *cobra.Command, f *flags, args []string) error {
	configureLogging(f)

	reg, err := chipdb.LoadRegistry(f.chipDescriptionPath)
	if err != nil {
		return err
	}

	if f.showVer {
		fmt.Println("cortexrun", version)
		return nil
	}
	if f.listChips {
		names := reg.Names()
		sort.Strings(names)
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	}
	if f.listProbes {
		return listProbes()
	}

	if len(args) != 1 {
		return fmt.Errorf("an <elf> path is required")
	}
	if f.chip == "" {
		return fmt.Errorf("--chip (or PROBE_RUN_CHIP) is required")
	}

	policy, err := parseBacktracePolicy(f.backtracePolicy)
	if err != nil {
		return err
	}

	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	ev, err := elfview.Parse(image)
	if err != nil {
		return err
	}
	info, err := chipdb.New(ev, f.chip, reg)
	if err != nil {
		return err
	}

	core, err := newProbeCore(f.probeSelector, f.speedKHz)
	if err != nil {
		return err
	}

	ctl := controller.New(core, controller.Options{
		ConnectUnderReset:      f.connectUnderReset,
		NoFlash:                f.noFlash,
		NoReset:                f.noReset,
		EraseAll:               f.eraseAll,
		Verify:                 f.verify,
		DisableDoubleBuffering: f.disableDoubleBuffering,
		MeasureStack:           f.measureStack,
		BacktracePolicy:        policy,
		BacktraceLimit:         f.backtraceLimit,
		ShortenPaths:           f.shortenPaths,
		Verbosity:              f.verbosity,
		LogFormat:              f.logFormat,
		HostLogFormat:          f.hostLogFormat,
	})

	ctx := cmd.Context()
	res, err := ctl.Run(ctx, image, ev, info)
	if err != nil {
		return err
	}

	printer := backtrace.NewPrinter(os.Stdout, policy, f.backtraceLimit, f.shortenPaths, f.verbosity, nil)
	stackOverflow := res.Canary != nil && res.Canary.OverflowLikely
	if printer.Should(stackOverflow, res.Outcome == controller.OutcomeCtrlC, res.Unwind) {
		if err := printer.Print(res.Unwind, ev); err != nil {
			logrus.WithError(err).Warn("printing backtrace")
		}
	}

	if f.gdbPassthrough && res.Outcome == controller.OutcomeHardFault {
		worker, err := gdbpassthrough.Spawn(ctx, core, f.gdbAddr)
		if err != nil {
			return err
		}
		defer worker.Close()
		blockOnSignal()
		return nil
	}

	os.Exit(res.Outcome.ExitCode())
	return nil
}

func parseBacktracePolicy(s string) (backtrace.Policy, error) {
	switch s {
	case "auto":
		return backtrace.PolicyAuto, nil
	case "never":
		return backtrace.PolicyNever, nil
	case "always":
		return backtrace.PolicyAlways, nil
	default:
		return 0, fmt.Errorf("--backtrace: unknown policy %q, want auto|never|always", s)
	}
}

func configureLogging(f *flags) {
	if f.jsonOutput {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	switch {
	case f.verbosity >= 2:
		logrus.SetLevel(logrus.TraceLevel)
	case f.verbosity == 1:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// newProbeCore is the seam where a real probe driver plugs in. cortexrun
// never vendors one: the design treats attach/halt/resume/read_mem/write_mem/
// read_reg/write_reg/set_hw_breakpoint/flash_download as an external
// collaborator, so this binary only knows how to fail loudly when no such
// driver has been linked in. A concrete build wires this up via a build-tag
// file that sets newProbeCoreImpl.
var newProbeCoreImpl func(selector string, speedKHz int) (probe.Core, error)

func newProbeCore(selector string, speedKHz int) (probe.Core, error) {
	if newProbeCoreImpl == nil {
		return nil, probe.ErrNoJTAGDevice
	}
	return newProbeCoreImpl(selector, speedKHz)
}

func listProbes() error {
	if newProbeCoreImpl == nil {
		fmt.Fprintln(os.Stderr, "no probe backend linked in; cannot enumerate probes")
		return nil
	}
	// A real backend would expose enumeration alongside newProbeCoreImpl;
	// this module's probe.Core interface is deliberately silent on it since
	// the design scopes probe discovery to the external collaborator.
	return nil
}

// blockOnSignal waits forever, giving up control of the process the same way
// the design and §9 describe the GDB passthrough worker doing: the runner's
// only remaining job is to be interruptible.
func blockOnSignal() {
	select {}
}
