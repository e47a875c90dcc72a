// Package controller implements TargetController, the orchestrating state
// machine: attach, flash, instrument, run, poll, halt, diagnose, detach.
//
// The poll loop uses an atomic cancel flag observed between blocking
// operations, expressed with golang.org/x/sys/unix signal delivery into an
// atomic flag.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/charmbracelet/lipgloss"
	"github.com/cosiner/argv"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/devilkun/cortexrun/pkg/armasm"
	"github.com/devilkun/cortexrun/pkg/backtrace"
	"github.com/devilkun/cortexrun/pkg/canary"
	"github.com/devilkun/cortexrun/pkg/chipdb"
	"github.com/devilkun/cortexrun/pkg/elfview"
	"github.com/devilkun/cortexrun/pkg/logpipeline"
	"github.com/devilkun/cortexrun/pkg/probe"
	"github.com/devilkun/cortexrun/pkg/rtt"
	"github.com/devilkun/cortexrun/pkg/unwind"
)

// Timeouts from the design.
const (
	TReset = 5 * time.Second
	THalt  = 1 * time.Second
)

// State is one node of the TargetController state machine (the design).
type State int

const (
	StateIdle State = iota
	StateAttached
	StateFlashed
	StateResetHalted
	StateInstrumented
	StateRunning
	StatePolling
	StateHalted
	StateDiagnosed
	StateDetached
)

func (s State) String() string {
	names := [...]string{"Idle", "Attached", "Flashed", "ResetHalted", "Instrumented", "Running", "Polling", "Halted", "Diagnosed", "Detached"}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// Outcome is the terminal classification of a run, per the design.
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeHardFault
	OutcomeStackOverflow
	OutcomeCtrlC
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHardFault:
		return "HardFault"
	case OutcomeStackOverflow:
		return "StackOverflow"
	case OutcomeCtrlC:
		return "CtrlC"
	default:
		return "Ok"
	}
}

// ExitCode maps an Outcome to a process exit code, per the design: Ok → 0,
// HardFault/StackOverflow → SIGABRT value, CtrlC → SIGINT value.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeHardFault, OutcomeStackOverflow:
		return 128 + int(unix.SIGABRT)
	case OutcomeCtrlC:
		return 128 + int(unix.SIGINT)
	default:
		return 0
	}
}

// Options collects the CLI flags TargetController's transitions consult.
type Options struct {
	ConnectUnderReset      bool
	NoFlash                bool
	NoReset                bool
	EraseAll               bool
	Verify                 bool
	DisableDoubleBuffering bool
	MeasureStack           bool

	BacktracePolicy backtrace.Policy
	BacktraceLimit  int
	ShortenPaths    bool
	Verbosity       int

	LogFormat     string
	HostLogFormat string
}

// Result is everything Run produces: the final outcome, the raw unwind, and
// the canary measurement (if any).
type Result struct {
	Outcome  Outcome
	Unwind   unwind.Result
	Canary   *canary.Result
	Warnings []string
}

// Controller drives one target run end to end.
type Controller struct {
	core probe.Core
	opts Options
	log  *logrus.Entry

	runID     uuid.UUID
	state     State
	sigint    atomic.Bool
	statusBar lipgloss.Style
}

// New builds a Controller bound to an already-constructed probe.Core
// session.
func New(core probe.Core, opts Options) *Controller {
	id := uuid.New()
	return &Controller{
		core:      core,
		opts:      opts,
		runID:     id,
		log:       logrus.WithFields(logrus.Fields{"pkg": "controller", "run": id.String()}),
		statusBar: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
	}
}

// Run executes the full state machine against ev/info for one session and
// returns the final Result.
func (c *Controller) Run(ctx context.Context, image []byte, ev *elfview.ElfView, info *chipdb.TargetInfo) (Result, error) {
	stop := c.watchSignals()
	defer stop()

	if err := c.attach(ctx); err != nil {
		return Result{}, err
	}
	if err := c.flash(ctx, image); err != nil {
		return Result{}, err
	}
	if c.opts.NoReset {
		if err := c.haltOnly(ctx); err != nil {
			return Result{}, err
		}
	} else if err := c.resetHalted(ctx); err != nil {
		return Result{}, err
	}

	can, rttChan, err := c.instrument(ctx, ev, info)
	if err != nil {
		return Result{}, err
	}

	if err := c.run(ctx, ev); err != nil {
		return Result{}, err
	}

	haltedBySignal, err := c.poll(ctx, rttChan)
	if err != nil {
		return Result{}, err
	}

	res, err := c.diagnose(ctx, ev, can, haltedBySignal)
	if err != nil {
		return Result{}, err
	}

	if derr := c.detach(ctx); derr != nil {
		c.log.WithError(derr).Warn("detach: reset-and-halt failed")
	}
	return res, nil
}

// watchSignals installs a SIGINT handler that flips c.sigint, matching
// the design "single signal-handler thread converts SIGINT into an atomic
// flag" discipline, and returns a function to stop watching.
func (c *Controller) watchSignals() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			c.sigint.Store(true)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func (c *Controller) setState(s State) {
	c.state = s
	c.log.WithField("state", s.String()).Debug(c.statusBar.Render(s.String()))
}

// attach performs the one-time probe handshake, per the design.
func (c *Controller) attach(ctx context.Context) error {
	if err := c.core.Attach(ctx, c.opts.ConnectUnderReset); err != nil {
		if errors.Is(err, probe.ErrNoJTAGDevice) {
			return fmt.Errorf("no debug probe found; check USB connection and permissions: %w", err)
		}
		return fmt.Errorf("controller: attach: %w", err)
	}
	c.setState(StateAttached)
	return nil
}

// flash writes image unless --no-flash was given, per the design.
func (c *Controller) flash(ctx context.Context, image []byte) error {
	if !c.opts.NoFlash {
		opts := probe.FlashOptions{
			EraseAll:               c.opts.EraseAll,
			DisableDoubleBuffering: c.opts.DisableDoubleBuffering,
			Verify:                 c.opts.Verify,
		}
		if err := c.core.Flash(ctx, image, opts); err != nil {
			return fmt.Errorf("controller: flash: %w", err)
		}
	}
	c.setState(StateFlashed)
	return nil
}

// resetHalted resets the core and waits for it to halt at the reset vector.
func (c *Controller) resetHalted(ctx context.Context) error {
	if err := c.core.ResetAndHalt(ctx, TReset); err != nil {
		return fmt.Errorf("controller: reset-and-halt: %w", err)
	}
	c.setState(StateResetHalted)
	return nil
}

// haltOnly halts the core without resetting it, the `--no-reset` substitute
// for resetHalted described in the design Open Question resolution: it
// attaches to a target that may already be running rather than restarting it.
func (c *Controller) haltOnly(ctx context.Context) error {
	if err := c.core.Halt(ctx, THalt); err != nil {
		return fmt.Errorf("controller: halt: %w", err)
	}
	c.setState(StateResetHalted)
	return nil
}

// instrument installs the canary (if applicable), sets breakpoints at main
// and the hard-fault handler, and flips RTT into blocking-if-full mode, per
// the design. `--no-reset` disables canary instrumentation entirely, per
// the design.
func (c *Controller) instrument(ctx context.Context, ev *elfview.ElfView, info *chipdb.TargetInfo) (*canary.Canary, *rtt.Channel, error) {
	var can *canary.Canary
	if !c.opts.NoReset {
		var err error
		can, err = canary.Install(ctx, c.core, info, ev, c.opts.MeasureStack)
		if err != nil {
			return nil, nil, fmt.Errorf("controller: canary install: %w", err)
		}
	} else if c.opts.MeasureStack {
		return nil, nil, fmt.Errorf("controller: --measure-stack requires instrumentation but --no-reset disables it")
	}

	mainBP, err := c.core.SetHWBreakpoint(ctx, armasm.StripThumbBit(ev.MainAddr))
	if err != nil {
		return nil, nil, fmt.Errorf("controller: breakpoint at main: %w", err)
	}
	if _, err := c.core.SetHWBreakpoint(ctx, armasm.StripThumbBit(ev.HardFaultHandler)); err != nil {
		return nil, nil, fmt.Errorf("controller: breakpoint at hard-fault handler: %w", err)
	}

	// The RTT control block is laid out by the target's RTT init call, which
	// runs somewhere between the reset vector and main; resume to the main
	// breakpoint before touching it so rtt.Attach/SetMode see an initialized
	// control block instead of whatever garbage occupies that RAM at reset.
	if err := c.core.Resume(ctx); err != nil {
		return nil, nil, fmt.Errorf("controller: resuming to main breakpoint: %w", err)
	}
	if err := waitHalted(ctx, c.core, TReset); err != nil {
		return nil, nil, fmt.Errorf("controller: waiting for main breakpoint: %w", err)
	}

	var rttChan *rtt.Channel
	if ev.RTTControlBlock != nil {
		rttChan, err = rtt.Attach(ctx, c.core, *ev.RTTControlBlock)
		if err != nil {
			return nil, nil, fmt.Errorf("controller: rtt attach: %w", err)
		}
		if err := rttChan.SetMode(ctx, rtt.ModeBlockIfFull); err != nil {
			return nil, nil, fmt.Errorf("controller: rtt set mode: %w", err)
		}
	}

	if err := c.core.ClearHWBreakpoint(ctx, mainBP); err != nil {
		return nil, nil, fmt.Errorf("controller: clearing main breakpoint: %w", err)
	}

	c.setState(StateInstrumented)
	return can, rttChan, nil
}

// waitHalted polls until the core halts or timeout elapses, the same
// poll-with-deadline shape pkg/canary's execSubroutine uses to wait for a
// subroutine to reach its terminal breakpoint.
func waitHalted(ctx context.Context, core probe.Core, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		halted, err := core.IsHalted(ctx)
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for halt", timeout)
		}
		time.Sleep(1 * time.Millisecond)
	}
}

// run resumes the core, per the design breakpoint-unit-exhaustion rule.
func (c *Controller) run(ctx context.Context, ev *elfview.ElfView) error {
	if c.core.NumHWBreakpoints() == 0 && ev.RTTControlBlock != nil {
		return fmt.Errorf("controller: device has no hardware breakpoint units but the ELF declares an RTT channel: diagnostic decode cannot work")
	}
	if c.core.NumHWBreakpoints() == 0 {
		c.log.Warn("device has no hardware breakpoint units")
	}
	if err := c.core.Resume(ctx); err != nil {
		return fmt.Errorf("controller: resume: %w", err)
	}
	c.setState(StateRunning)
	return nil
}

// poll drains the RTT channel and watches for halt, exiting on two
// consecutive halted polls (avoiding the race where a byte arrives right
// after halt) or on SIGINT, per the design.
func (c *Controller) poll(ctx context.Context, rttChan *rtt.Channel) (haltedBySignal bool, err error) {
	c.setState(StatePolling)
	var pipe *logpipeline.Pipeline
	if rttChan != nil {
		pipe = logpipeline.New(rttChan, nil, c.opts.NoFlash)
	}

	consecutiveHalted := 0
	for {
		if c.sigint.Load() {
			if err := c.core.Halt(ctx, THalt); err != nil {
				return true, fmt.Errorf("controller: halt on SIGINT: %w", err)
			}
			return true, nil
		}

		if pipe != nil {
			if derr := pipe.Drain(ctx); derr != nil {
				return false, fmt.Errorf("controller: log drain: %w", derr)
			}
		}

		halted, err := c.core.IsHalted(ctx)
		if err != nil {
			return false, fmt.Errorf("controller: is-halted: %w", err)
		}
		if halted {
			consecutiveHalted++
			if consecutiveHalted >= 2 {
				return false, nil
			}
		} else {
			consecutiveHalted = 0
		}
	}
}

// diagnose computes the preliminary outcome and unwinds the stack, per
// the design.
func (c *Controller) diagnose(ctx context.Context, ev *elfview.ElfView, can *canary.Canary, haltedBySignal bool) (Result, error) {
	c.setState(StateHalted)

	var canaryResult *canary.Result
	if can != nil {
		r, err := can.Measure(ctx, c.core, ev.InitialSP)
		if err != nil {
			return Result{}, fmt.Errorf("controller: canary measure: %w", err)
		}
		canaryResult = &r
	}

	pc, err := c.core.ReadReg(ctx, probe.PC)
	if err != nil {
		return Result{}, fmt.Errorf("controller: reading pc: %w", err)
	}

	outcome := OutcomeOk
	if armasm.StripThumbBit(pc) == armasm.StripThumbBit(ev.HardFaultHandler) {
		outcome = OutcomeHardFault
	} else if canaryResult != nil && canaryResult.OverflowLikely {
		outcome = OutcomeStackOverflow
	}
	if haltedBySignal && outcome == OutcomeOk {
		outcome = OutcomeCtrlC
	}

	resetLow := armasm.StripThumbBit(ev.ResetHandler)
	resetHigh := resetLow + ev.ResetHandlerSize
	if ev.ResetHandlerSize == 0 {
		// No symbol-table entry for the reset handler (stripped binary):
		// fall back to treating it as a single instruction, the same
		// degraded behavior as before this was derived from the symbol
		// table.
		resetHigh = resetLow + 4
	}
	resetRange := [2]uint32{resetLow, resetHigh}
	uw, err := unwind.Walk(ctx, c.core, ev, ev.InitialSP, resetRange, c.opts.BacktraceLimit)
	if err != nil {
		return Result{}, fmt.Errorf("controller: unwind: %w", err)
	}

	c.setState(StateDiagnosed)
	return Result{Outcome: outcome, Unwind: uw, Canary: canaryResult}, nil
}

// detach leaves the target in a known state by resetting and halting it
// again, per the design.
func (c *Controller) detach(ctx context.Context) error {
	if err := c.core.ResetAndHalt(ctx, TReset); err != nil {
		return err
	}
	if err := c.core.Detach(ctx); err != nil {
		return err
	}
	c.setState(StateDetached)
	return nil
}

// PlaceholderValues supplies the §6 {f|F|l|L|m|s|t} substitutions for one
// log line: short file, full file, line, level, module, text (message), and
// timestamp.
type PlaceholderValues struct {
	ShortFile string
	FullFile  string
	Line      int
	Level     string
	Module    string
	Text      string
	Timestamp string
}

// FormatLogLine renders format (a `--log-format`/`--host-log-format` string)
// against v. The format string is tokenized with argv.Argv the way delve's
// pkg/terminal tokenizes command input, so quoted literal spans survive
// intact around the `{x}` placeholders.
func FormatLogLine(format string, v PlaceholderValues) (string, error) {
	groups, err := argv.Argv(format, unicode.IsSpace, func(r rune) bool { return false })
	if err != nil {
		return "", fmt.Errorf("controller: parsing log format: %w", err)
	}
	var tokens []string
	if len(groups) > 0 {
		tokens = groups[0]
	}

	subst := map[string]string{
		"{f}": v.ShortFile,
		"{F}": v.FullFile,
		"{l}": fmt.Sprintf("%d", v.Line),
		"{L}": v.Level,
		"{m}": v.Module,
		"{s}": v.Text,
		"{t}": v.Timestamp,
	}
	for i, tok := range tokens {
		for ph, val := range subst {
			tok = strings.ReplaceAll(tok, ph, val)
		}
		tokens[i] = tok
	}
	return strings.Join(tokens, " "), nil
}
