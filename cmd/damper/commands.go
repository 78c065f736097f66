package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/loykin/damper"
	"github.com/loykin/damper/internal/exitcode"
)

// dispatch routes the invocation to the requested operation and returns the
// wire exit code.
func dispatch(f *RootFlags, args []string, out io.Writer) (int, error) {
	if f.Version {
		_, _ = fmt.Fprintln(out, "damper "+version)
		return exitcode.OK, nil
	}

	cfg, err := damper.LoadConfig(f.ConfigPath)
	if err != nil {
		return 0, err
	}
	c, err := damper.New(cfg)
	if err != nil {
		return 0, err
	}
	defer func() { _ = c.Close() }()

	switch {
	case f.Status:
		return runStatus(c, args, out)
	case f.Reset:
		return runReset(c, args)
	case f.ResetAll:
		return runResetAll(c, args)
	default:
		return runInvoke(c, f, args)
	}
}

func runInvoke(c *damper.Coordinator, f *RootFlags, args []string) (int, error) {
	mode, err := pickMode(f)
	if err != nil {
		return 0, err
	}
	if f.Wait && f.NoWait {
		return 0, exitcode.Errorf(exitcode.Usage, "--wait and --no-wait are mutually exclusive")
	}
	if len(args) < 3 {
		return 0, exitcode.Errorf(exitcode.Usage, "usage: damper [mode] [options] <id> <delay_ms> <command> [args...]")
	}
	id := args[0]
	delayMS, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || delayMS <= 0 {
		return 0, exitcode.Errorf(exitcode.Usage, "delay_ms must be a positive integer, got %q", args[1])
	}
	if f.TimeoutMS < 0 {
		return 0, exitcode.Errorf(exitcode.Usage, "--timeout must not be negative")
	}

	// Edge defaults: debounce fires trailing, throttle fires both.
	defLeading, defTrailing := false, true
	if mode == damper.ModeThrottle {
		defLeading = true
	}
	leading, err := parseEdge("leading", f.Leading, defLeading)
	if err != nil {
		return 0, err
	}
	trailing, err := parseEdge("trailing", f.Trailing, defTrailing)
	if err != nil {
		return 0, err
	}

	return c.Invoke(damper.Options{
		Mode:     mode,
		ID:       id,
		Delay:    time.Duration(delayMS) * time.Millisecond,
		Leading:  leading,
		Trailing: trailing,
		NoWait:   f.NoWait,
		Timeout:  time.Duration(f.TimeoutMS) * time.Millisecond,
		Argv:     args[2:],
	})
}

func runStatus(c *damper.Coordinator, args []string, out io.Writer) (int, error) {
	switch len(args) {
	case 0:
		entries, err := c.Status()
		if err != nil {
			return 0, err
		}
		damper.RenderStatus(out, entries)
		return exitcode.OK, nil
	case 2:
		mode, err := damper.ParseMode(args[0])
		if err != nil {
			return 0, err
		}
		entry := c.StatusKey(mode, args[1])
		damper.RenderStatus(out, []damper.StatusEntry{entry})
		return exitcode.OK, nil
	default:
		return 0, exitcode.Errorf(exitcode.Usage, "usage: damper --status [mode id]")
	}
}

func runReset(c *damper.Coordinator, args []string) (int, error) {
	if len(args) != 2 {
		return 0, exitcode.Errorf(exitcode.Usage, "usage: damper --reset <mode> <id>")
	}
	mode, err := damper.ParseMode(args[0])
	if err != nil {
		return 0, err
	}
	if err := c.Reset(mode, args[1]); err != nil {
		return 0, err
	}
	return exitcode.OK, nil
}

func runResetAll(c *damper.Coordinator, args []string) (int, error) {
	if len(args) != 1 {
		return 0, exitcode.Errorf(exitcode.Usage, "usage: damper --reset-all <id>")
	}
	if err := c.ResetAll(args[0]); err != nil {
		return 0, err
	}
	return exitcode.OK, nil
}

func pickMode(f *RootFlags) (damper.Mode, error) {
	if f.Debounce && f.Throttle {
		return "", exitcode.Errorf(exitcode.Usage, "--debounce and --throttle are mutually exclusive")
	}
	if f.Throttle {
		return damper.ModeThrottle, nil
	}
	return damper.ModeDebounce, nil
}

func parseEdge(name, val string, def bool) (bool, error) {
	switch val {
	case "":
		return def, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, exitcode.Errorf(exitcode.Usage, "--%s must be true or false, got %q", name, val)
}
