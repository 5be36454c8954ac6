package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/process"
)

// Proc is a process the controller can act on
type Proc interface {
	PID() int32
	Cmdline(ctx context.Context) (string, error)
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	Terminate(ctx context.Context) error
	Kill(ctx context.Context) error
	Running(ctx context.Context) (bool, error)
}

// Source lists the processes currently running on the host
type Source func(ctx context.Context) ([]Proc, error)

// Result is the outcome of one action on one target
type Result struct {
	PID    int32  `json:"pid"`
	Target string `json:"target"`
	Action string `json:"action"`
	Err    error  `json:"-"`
}

// OK reports whether the action succeeded
func (r Result) OK() bool {
	return r.Err == nil
}

// Failed returns the failed results
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Config configures a Controller
type Config struct {
	// Patterns select monitored processes by command line substring
	Patterns       []string
	RestartCommand []string
	KillGrace      time.Duration

	// SelfPID is never suspended, restarted or terminated
	SelfPID int
}

// Controller suspends, restarts and terminates the monitored processes
type Controller struct {
	cfg    Config
	source Source
	logger *slog.Logger
}

// NewController creates a controller backed by the host process table
func NewController(cfg Config, logger *slog.Logger) *Controller {
	return NewControllerWithSource(cfg, HostSource, logger)
}

// NewControllerWithSource creates a controller over a custom process source
func NewControllerWithSource(cfg Config, source Source, logger *slog.Logger) *Controller {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &Controller{
		cfg:    cfg,
		source: source,
		logger: logger.With("component", "process"),
	}
}

type target struct {
	proc    Proc
	cmdline string
}

// monitored returns the processes matching a configured pattern, minus the
// controller's own process and excludePID
func (c *Controller) monitored(ctx context.Context, excludePID int) ([]target, error) {
	procs, err := c.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var targets []target
	for _, p := range procs {
		if c.excluded(p.PID(), excludePID) {
			continue
		}
		cmdline, err := p.Cmdline(ctx)
		if err != nil {
			// exited between listing and inspection
			continue
		}
		if c.matches(cmdline) {
			targets = append(targets, target{proc: p, cmdline: cmdline})
		}
	}
	return targets, nil
}

func (c *Controller) excluded(pid int32, excludePID int) bool {
	if c.cfg.SelfPID > 0 && pid == int32(c.cfg.SelfPID) {
		return true
	}
	return excludePID > 0 && pid == int32(excludePID)
}

func (c *Controller) matches(cmdline string) bool {
	for _, pattern := range c.cfg.Patterns {
		if pattern != "" && strings.Contains(cmdline, pattern) {
			return true
		}
	}
	return false
}

// SuspendAll suspends every monitored process except excludePID.
// Having nothing to suspend is not an error.
func (c *Controller) SuspendAll(ctx context.Context, excludePID int) []Result {
	targets, err := c.monitored(ctx, excludePID)
	if err != nil {
		return []Result{{Target: "process-table", Action: "suspend", Err: err}}
	}

	results := make([]Result, 0, len(targets))
	for _, t := range targets {
		err := t.proc.Suspend(ctx)
		results = append(results, Result{PID: t.proc.PID(), Target: t.cmdline, Action: "suspend", Err: err})
	}
	c.log("suspend", results)
	return results
}

// RestartAll stops the monitored processes and runs the restart command.
// Without a restart command the processes are resumed instead.
func (c *Controller) RestartAll(ctx context.Context) []Result {
	if len(c.cfg.RestartCommand) == 0 {
		return c.resumeAll(ctx)
	}

	results := c.TerminateAll(ctx)

	cmd := exec.CommandContext(ctx, c.cfg.RestartCommand[0], c.cfg.RestartCommand[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		err = fmt.Errorf("restart command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	restart := Result{Target: strings.Join(c.cfg.RestartCommand, " "), Action: "restart", Err: err}
	c.log("restart", []Result{restart})
	return append(results, restart)
}

func (c *Controller) resumeAll(ctx context.Context) []Result {
	targets, err := c.monitored(ctx, 0)
	if err != nil {
		return []Result{{Target: "process-table", Action: "resume", Err: err}}
	}

	results := make([]Result, 0, len(targets))
	for _, t := range targets {
		err := t.proc.Resume(ctx)
		results = append(results, Result{PID: t.proc.PID(), Target: t.cmdline, Action: "resume", Err: err})
	}
	c.log("resume", results)
	return results
}

// TerminateAll sends SIGTERM to every monitored process and kills the ones
// still running after the grace period
func (c *Controller) TerminateAll(ctx context.Context) []Result {
	targets, err := c.monitored(ctx, 0)
	if err != nil {
		return []Result{{Target: "process-table", Action: "terminate", Err: err}}
	}

	results := make([]Result, 0, len(targets))
	for _, t := range targets {
		// stopped processes cannot act on SIGTERM
		_ = t.proc.Resume(ctx)
		err := t.proc.Terminate(ctx)
		results = append(results, Result{PID: t.proc.PID(), Target: t.cmdline, Action: "terminate", Err: err})
	}

	deadline := time.Now().Add(c.cfg.KillGrace)
	for i, t := range targets {
		if !c.waitExit(ctx, t.proc, deadline) {
			if err := t.proc.Kill(ctx); err != nil {
				results[i].Err = errors.Join(results[i].Err, fmt.Errorf("kill failed: %w", err))
			} else {
				results[i].Action = "kill"
				results[i].Err = nil
			}
		}
	}

	c.log("terminate", results)
	return results
}

func (c *Controller) waitExit(ctx context.Context, p Proc, deadline time.Time) bool {
	for {
		running, err := p.Running(ctx)
		if err != nil || !running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Controller) log(action string, results []Result) {
	failed := Failed(results)
	if len(failed) == 0 {
		c.logger.Info("Process action completed", "action", action, "targets", len(results))
		return
	}
	for _, r := range failed {
		c.logger.Warn("Process action failed",
			"action", r.Action,
			"pid", r.PID,
			"target", r.Target,
			"error", r.Err)
	}
}

// HostSource lists the host's processes through gopsutil
func HostSource(ctx context.Context) ([]Proc, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, len(procs))
	for i, p := range procs {
		out[i] = hostProc{p: p}
	}
	return out, nil
}

type hostProc struct {
	p *process.Process
}

func (h hostProc) PID() int32 { return h.p.Pid }

func (h hostProc) Cmdline(ctx context.Context) (string, error) { return h.p.CmdlineWithContext(ctx) }

func (h hostProc) Suspend(ctx context.Context) error { return h.p.SuspendWithContext(ctx) }

func (h hostProc) Resume(ctx context.Context) error { return h.p.ResumeWithContext(ctx) }

func (h hostProc) Terminate(ctx context.Context) error { return h.p.TerminateWithContext(ctx) }

func (h hostProc) Kill(ctx context.Context) error { return h.p.KillWithContext(ctx) }

func (h hostProc) Running(ctx context.Context) (bool, error) { return h.p.IsRunningWithContext(ctx) }
