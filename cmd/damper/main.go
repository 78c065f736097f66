package main

import (
	"fmt"
	"io"
	"os"

	"github.com/loykin/damper/internal/exitcode"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	f := &RootFlags{}
	root := buildRoot(f, os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "damper:", err)
		os.Exit(exitcode.CodeOf(err))
	}
	os.Exit(f.ResultCode)
}

// buildRoot creates the root command. The CLI is flag-driven rather than
// subcommand-driven: the positional arguments after id and delay are the
// child command and must pass through untouched.
func buildRoot(f *RootFlags, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "damper [--debounce|--throttle] [options] <id> <delay_ms> <command> [args...]",
		Short: "Debounce and throttle commands across processes",
		Long: `Damper coordinates noisy event sources that invoke an expensive command
many times per second. Invocations sharing an id are collapsed according to
the selected timing mode, and the command never runs concurrently with
itself. Coordination happens through a shared state directory, so unrelated
processes cooperate with no daemon.

Modes:
  --debounce   run after the calls stop arriving for delay_ms (default)
  --throttle   run at most once per delay_ms window

Examples:
  damper build 500 make -j8
  damper --throttle deploy 60000 ./deploy.sh production
  damper --leading true --trailing false sync 2000 rsync -a src/ dst/
  damper --no-wait refresh 1000 ./regen-index
  damper --status
  damper --reset debounce build
  damper --reset-all build

Exit codes: 0 success (or the child's own code), 70 I/O failure, 75 state
lock busy, 76 skipped (--no-wait), 77 queued, 78 usage, 79 child timeout.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := dispatch(f, args, out)
			f.ResultCode = code
			return err
		},
	}

	fl := root.Flags()
	// The child's own flags must reach it verbatim.
	fl.SetInterspersed(false)

	fl.StringVar(&f.ConfigPath, "config", "", "path to TOML config file (optional)")
	fl.BoolVar(&f.Debounce, "debounce", false, "debounce mode (default)")
	fl.BoolVar(&f.Throttle, "throttle", false, "throttle mode")
	fl.StringVar(&f.Leading, "leading", "", "run on the leading edge: true|false")
	fl.StringVar(&f.Trailing, "trailing", "", "run on the trailing edge: true|false")
	fl.Int64Var(&f.TimeoutMS, "timeout", 0, "kill the child after this many milliseconds")
	fl.BoolVar(&f.Wait, "wait", false, "queue behind a busy runner (default behavior)")
	fl.BoolVar(&f.NoWait, "no-wait", false, "skip without touching state when a runner is active")
	fl.BoolVar(&f.Status, "status", false, "show state for all keys, or one [mode id]")
	fl.BoolVar(&f.Reset, "reset", false, "terminate the runner and clear state for <mode> <id>")
	fl.BoolVar(&f.ResetAll, "reset-all", false, "reset both modes and shared state for <id>")
	fl.BoolVar(&f.Version, "version", false, "print version")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return exitcode.Wrap(exitcode.Usage, err)
	})

	return root
}
