//go:build !windows

package engine

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/damper/internal/detector"
	"github.com/loykin/damper/internal/executor"
	"github.com/loykin/damper/internal/exitcode"
	"github.com/loykin/damper/internal/store"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return &Engine{Store: s, Exec: &executor.Executor{Store: s}}
}

func appendCmd(path, tag string) []string {
	return []string{"sh", "-c", "echo " + tag + " >> " + path}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read %s: %v", path, err)
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestValidate(t *testing.T) {
	base := Options{Mode: store.ModeDebounce, ID: "k", Delay: 100 * time.Millisecond, Trailing: true, Argv: []string{"true"}}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
	cases := []Options{
		{Mode: store.ModeDebounce, Delay: time.Second, Trailing: true, Argv: []string{"true"}},               // empty id
		{Mode: store.ModeDebounce, ID: "k", Trailing: true, Argv: []string{"true"}},                          // zero delay
		{Mode: store.ModeDebounce, ID: "k", Delay: -time.Second, Trailing: true, Argv: []string{"true"}},     // negative delay
		{Mode: store.ModeDebounce, ID: "k", Delay: time.Second, Argv: []string{"true"}},                      // both edges off
		{Mode: store.ModeDebounce, ID: "k", Delay: time.Second, Leading: true},                               // no command
	}
	for i, o := range cases {
		err := o.Validate()
		if err == nil || exitcode.CodeOf(err) != exitcode.Usage {
			t.Fatalf("case %d: err=%v code=%d", i, err, exitcode.CodeOf(err))
		}
	}
}

func TestDebounceCollapsesBurst(t *testing.T) {
	e := newEngine(t)
	out := filepath.Join(t.TempDir(), "out")
	const delay = 300 * time.Millisecond

	codes := make(chan int, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		code, err := e.Invoke(Options{Mode: store.ModeDebounce, ID: "A", Delay: delay, Trailing: true, Argv: appendCmd(out, "call1")})
		if err != nil {
			t.Errorf("runner invoke: %v", err)
		}
		codes <- code
	}()

	// Let the first call win the runner role, then burst.
	time.Sleep(60 * time.Millisecond)
	for i := 2; i <= 5; i++ {
		tag := "call" + string(rune('0'+i))
		code, err := e.Invoke(Options{Mode: store.ModeDebounce, ID: "A", Delay: delay, Trailing: true, Argv: appendCmd(out, tag)})
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
		if code != exitcode.Queued {
			t.Fatalf("attach %d returned %d, want %d", i, code, exitcode.Queued)
		}
		time.Sleep(40 * time.Millisecond)
	}
	// Last-call-wins: the blob now holds the fifth call's argv.
	if got := e.Store.ReadCmd(store.ModeDebounce, "A"); !reflect.DeepEqual(got, appendCmd(out, "call5")) {
		t.Fatalf("blob after burst = %q", got)
	}

	wg.Wait()
	if code := <-codes; code != 0 {
		t.Fatalf("runner exit code = %d", code)
	}
	lines := readLines(t, out)
	if len(lines) != 1 || lines[0] != "call5" {
		t.Fatalf("executions = %q, want exactly [call5]", lines)
	}
}

func TestDebounceLeadingOnly(t *testing.T) {
	e := newEngine(t)
	out := filepath.Join(t.TempDir(), "out")
	code, err := e.Invoke(Options{Mode: store.ModeDebounce, ID: "L", Delay: 200 * time.Millisecond, Leading: true, Argv: appendCmd(out, "lead")})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if code != 0 {
		t.Fatalf("code = %d", code)
	}
	if lines := readLines(t, out); len(lines) != 1 || lines[0] != "lead" {
		t.Fatalf("executions = %q", lines)
	}
	if _, ok := e.Store.ReadRunner(store.ModeDebounce, "L"); ok {
		t.Fatalf("runner slot not cleared after leading-only call")
	}
	if last, ok := e.Store.LastExec("L"); !ok || last <= 0 {
		t.Fatalf("last exec not recorded: %d ok=%v", last, ok)
	}
}

func TestDebounceLeadingSuppressedWhileArmed(t *testing.T) {
	e := newEngine(t)
	out := filepath.Join(t.TempDir(), "out")
	o := Options{Mode: store.ModeDebounce, ID: "LA", Delay: 300 * time.Millisecond, Leading: true, Argv: appendCmd(out, "x")}
	code, err := e.Invoke(o)
	if err != nil || code != 0 {
		t.Fatalf("first: code=%d err=%v", code, err)
	}
	// Inside the interval the timer is armed; another leading-only call
	// must not fire again.
	code, err = e.Invoke(o)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if code != exitcode.Queued {
		t.Fatalf("second code = %d, want %d", code, exitcode.Queued)
	}
	if lines := readLines(t, out); len(lines) != 1 {
		t.Fatalf("executions = %q", lines)
	}

	// After the interval passes the key is idle again.
	time.Sleep(350 * time.Millisecond)
	code, err = e.Invoke(o)
	if err != nil || code != 0 {
		t.Fatalf("third: code=%d err=%v", code, err)
	}
	if lines := readLines(t, out); len(lines) != 2 {
		t.Fatalf("executions = %q", lines)
	}
}

func TestDebounceChildExitCodePropagates(t *testing.T) {
	e := newEngine(t)
	code, err := e.Invoke(Options{Mode: store.ModeDebounce, ID: "X", Delay: 50 * time.Millisecond, Trailing: true, Argv: []string{"sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if code != 3 {
		t.Fatalf("code = %d, want 3", code)
	}
}

func TestThrottleFixedWindow(t *testing.T) {
	e := newEngine(t)
	out := filepath.Join(t.TempDir(), "out")
	const window = 250 * time.Millisecond

	codes := make(chan int, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		code, err := e.Invoke(Options{Mode: store.ModeThrottle, ID: "B", Delay: window, Leading: true, Trailing: true, Argv: appendCmd(out, "t0")})
		if err != nil {
			t.Errorf("runner invoke: %v", err)
		}
		codes <- code
	}()

	time.Sleep(60 * time.Millisecond)
	// Leading edge must already have fired.
	if lines := readLines(t, out); len(lines) != 1 || lines[0] != "t0" {
		t.Fatalf("leading not fired promptly: %q", lines)
	}
	windowEnd, ok := e.Store.ReadMS(e.Store.WindowPath("B"))
	if !ok {
		t.Fatalf("window not recorded")
	}

	for _, tag := range []string{"t50", "t100", "t150"} {
		code, err := e.Invoke(Options{Mode: store.ModeThrottle, ID: "B", Delay: window, Leading: true, Trailing: true, Argv: appendCmd(out, tag)})
		if err != nil {
			t.Fatalf("attach %s: %v", tag, err)
		}
		if code != exitcode.Queued {
			t.Fatalf("attach %s returned %d", tag, code)
		}
		time.Sleep(40 * time.Millisecond)
	}
	// Fixed window: calls inside the window never move its end.
	if got, _ := e.Store.ReadMS(e.Store.WindowPath("B")); got != windowEnd {
		t.Fatalf("window end moved: %d -> %d", windowEnd, got)
	}

	wg.Wait()
	if code := <-codes; code != 0 {
		t.Fatalf("runner code = %d", code)
	}
	lines := readLines(t, out)
	if len(lines) != 2 || lines[0] != "t0" || lines[1] != "t150" {
		t.Fatalf("executions = %q, want [t0 t150]", lines)
	}

	// A call after the window is a fresh leading edge.
	code, err := e.Invoke(Options{Mode: store.ModeThrottle, ID: "B", Delay: window, Leading: true, Argv: appendCmd(out, "t500")})
	if err != nil {
		t.Fatalf("new window invoke: %v", err)
	}
	if code != 0 {
		t.Fatalf("new window code = %d", code)
	}
	if lines := readLines(t, out); len(lines) != 3 || lines[2] != "t500" {
		t.Fatalf("executions = %q", lines)
	}
}

func TestThrottleLeadingOnlySuppressedInWindow(t *testing.T) {
	e := newEngine(t)
	out := filepath.Join(t.TempDir(), "out")
	const window = 300 * time.Millisecond

	code, err := e.Invoke(Options{Mode: store.ModeThrottle, ID: "S", Delay: window, Leading: true, Argv: appendCmd(out, "first")})
	if err != nil || code != 0 {
		t.Fatalf("first: code=%d err=%v", code, err)
	}
	code, err = e.Invoke(Options{Mode: store.ModeThrottle, ID: "S", Delay: window, Leading: true, Argv: appendCmd(out, "second")})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if code != exitcode.Queued {
		t.Fatalf("in-window leading call returned %d, want %d", code, exitcode.Queued)
	}
	if lines := readLines(t, out); len(lines) != 1 || lines[0] != "first" {
		t.Fatalf("executions = %q", lines)
	}
}

func TestSmartSkipAcrossModes(t *testing.T) {
	e := newEngine(t)
	out := filepath.Join(t.TempDir(), "out")

	codes := make(chan int, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		code, err := e.Invoke(Options{Mode: store.ModeDebounce, ID: "C", Delay: 400 * time.Millisecond, Trailing: true, Argv: appendCmd(out, "D")})
		if err != nil {
			t.Errorf("debounce invoke: %v", err)
		}
		codes <- code
	}()

	time.Sleep(80 * time.Millisecond)
	code, err := e.Invoke(Options{Mode: store.ModeThrottle, ID: "C", Delay: 100 * time.Millisecond, Leading: true, Argv: appendCmd(out, "T")})
	if err != nil || code != 0 {
		t.Fatalf("throttle invoke: code=%d err=%v", code, err)
	}

	wg.Wait()
	if code := <-codes; code != 0 {
		t.Fatalf("debounce code = %d", code)
	}
	lines := readLines(t, out)
	if len(lines) != 1 || lines[0] != "T" {
		t.Fatalf("executions = %q, want only [T]", lines)
	}
	if got := e.Store.ReadCmd(store.ModeDebounce, "C"); got != nil {
		t.Fatalf("skipped key left blob %q", got)
	}
}

func TestNoWaitSkipTouchesNothing(t *testing.T) {
	e := newEngine(t)
	out := filepath.Join(t.TempDir(), "out")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = e.Invoke(Options{Mode: store.ModeDebounce, ID: "N", Delay: 300 * time.Millisecond, Trailing: true, Argv: appendCmd(out, "runner")})
	}()
	time.Sleep(60 * time.Millisecond)

	before := e.Store.ReadCmd(store.ModeDebounce, "N")
	deadlineBefore, _ := e.Store.ReadMS(e.Store.DeadlinePath("N"))

	code, err := e.Invoke(Options{Mode: store.ModeDebounce, ID: "N", Delay: 300 * time.Millisecond, Trailing: true, NoWait: true, Argv: appendCmd(out, "skipped")})
	if err != nil {
		t.Fatalf("no-wait invoke: %v", err)
	}
	if code != exitcode.SkippedBusy {
		t.Fatalf("code = %d, want %d", code, exitcode.SkippedBusy)
	}
	if after := e.Store.ReadCmd(store.ModeDebounce, "N"); !reflect.DeepEqual(after, before) {
		t.Fatalf("no-wait modified blob: %q -> %q", before, after)
	}
	if deadlineAfter, _ := e.Store.ReadMS(e.Store.DeadlinePath("N")); deadlineAfter != deadlineBefore {
		t.Fatalf("no-wait moved deadline: %d -> %d", deadlineBefore, deadlineAfter)
	}
	wg.Wait()
}

func TestStaleRunnerIsCleared(t *testing.T) {
	e := newEngine(t)
	out := filepath.Join(t.TempDir(), "out")

	// A runner slot from a crashed process: dead PID, bogus token.
	dead := detector.Stamp{PID: 1 << 22, StartMS: 1, Token: "1"}
	if err := e.Store.WriteRunner(store.ModeDebounce, "Z", dead); err != nil {
		t.Fatalf("plant stale runner: %v", err)
	}
	code, err := e.Invoke(Options{Mode: store.ModeDebounce, ID: "Z", Delay: 50 * time.Millisecond, Trailing: true, Argv: appendCmd(out, "ran")})
	if err != nil {
		t.Fatalf("invoke over stale runner: %v", err)
	}
	if code != 0 {
		t.Fatalf("code = %d", code)
	}
	if lines := readLines(t, out); len(lines) != 1 {
		t.Fatalf("executions = %q", lines)
	}
}

func TestTimeoutCode(t *testing.T) {
	e := newEngine(t)
	start := time.Now()
	code, err := e.Invoke(Options{Mode: store.ModeDebounce, ID: "F", Delay: 10 * time.Millisecond, Trailing: true, Timeout: 200 * time.Millisecond, Argv: []string{"sleep", "10"}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if code != exitcode.Timeout {
		t.Fatalf("code = %d, want %d", code, exitcode.Timeout)
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("timeout took %v", el)
	}
}

func TestResetRemovesStateAndPreservesLastExec(t *testing.T) {
	e := newEngine(t)
	out := filepath.Join(t.TempDir(), "out")
	code, err := e.Invoke(Options{Mode: store.ModeDebounce, ID: "R", Delay: 30 * time.Millisecond, Trailing: true, Argv: appendCmd(out, "x")})
	if err != nil || code != 0 {
		t.Fatalf("seed invoke: code=%d err=%v", code, err)
	}
	last, ok := e.Store.LastExec("R")
	if !ok {
		t.Fatalf("no last exec after run")
	}

	dead := detector.Stamp{PID: 1 << 22, StartMS: 1, Token: "1"}
	if err := e.Store.WriteRunner(store.ModeDebounce, "R", dead); err != nil {
		t.Fatalf("plant runner: %v", err)
	}
	if err := e.Reset(store.ModeDebounce, "R"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok := e.Store.ReadRunner(store.ModeDebounce, "R"); ok {
		t.Fatalf("runner survived reset")
	}
	if got, ok := e.Store.LastExec("R"); !ok || got != last {
		t.Fatalf("last exec not preserved: %d ok=%v", got, ok)
	}

	if err := e.ResetAll("R"); err != nil {
		t.Fatalf("reset-all: %v", err)
	}
	if _, ok := e.Store.LastExec("R"); ok {
		t.Fatalf("last exec survived reset-all")
	}
	// Idempotent.
	if err := e.ResetAll("R"); err != nil {
		t.Fatalf("second reset-all: %v", err)
	}
}

func TestLockContentionCode(t *testing.T) {
	e := newEngine(t)
	// Hold the state lock the way a peer deciding forever would.
	lk, err := e.lockState(store.ModeDebounce, "busy")
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer func() { _ = lk.Release() }()

	_, err = e.Invoke(Options{Mode: store.ModeDebounce, ID: "busy", Delay: 50 * time.Millisecond, Trailing: true, Argv: []string{"true"}})
	if err == nil || exitcode.CodeOf(err) != exitcode.LockBusy {
		t.Fatalf("err=%v code=%d, want %d", err, exitcode.CodeOf(err), exitcode.LockBusy)
	}
}

func TestSingleFlightQueued(t *testing.T) {
	e := newEngine(t)
	out := filepath.Join(t.TempDir(), "out")

	first := make(chan int, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		code, err := e.Invoke(Options{Mode: store.ModeDebounce, ID: "E", Delay: 50 * time.Millisecond, Trailing: true, Argv: []string{"sh", "-c", "sleep 0.4; echo one >> " + out}})
		if err != nil {
			t.Errorf("first invoke: %v", err)
		}
		first <- code
	}()
	time.Sleep(100 * time.Millisecond)
	// The runner is now executing; a second call can only queue.
	code, err := e.Invoke(Options{Mode: store.ModeDebounce, ID: "E", Delay: 50 * time.Millisecond, Trailing: true, Argv: []string{"sh", "-c", "echo two >> " + out}})
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if code != exitcode.Queued {
		t.Fatalf("second code = %d, want %d", code, exitcode.Queued)
	}
	wg.Wait()
	if code := <-first; code != 0 {
		t.Fatalf("first code = %d", code)
	}
	if lines := readLines(t, out); len(lines) != 1 || lines[0] != "one" {
		t.Fatalf("executions = %q", lines)
	}
}
