package store

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/loykin/damper/internal/detector"
)

// Mode selects the timing policy for a key.
type Mode string

const (
	ModeDebounce Mode = "debounce"
	ModeThrottle Mode = "throttle"
)

// ParseMode validates a mode string from the CLI.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDebounce, ModeThrottle:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Other returns the opposite mode of the same id.
func (m Mode) Other() Mode {
	if m == ModeDebounce {
		return ModeThrottle
	}
	return ModeDebounce
}

// Modes lists both timing modes.
func Modes() []Mode { return []Mode{ModeDebounce, ModeThrottle} }

// Store is the shared on-disk state directory. All coordination between
// unrelated processes happens through its files and the advisory locks
// taken on them; no other shared substrate exists.
type Store struct {
	dir string
}

// DefaultDir returns the per-user default state directory.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("damper-%d", os.Getuid()))
}

// Open creates the state directory if needed and verifies it is a real
// directory. A symlinked state dir is refused: the store lives under a
// shared tmp root and a planted link would redirect writes.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	fi, err := os.Lstat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat state dir %s: %w", dir, err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("state dir %s is a symlink", dir)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("state dir %s is not a directory", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

func isPlainID(id string) bool {
	if id == "" || id[0] == '%' {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// EncodeID maps an opaque id to a filesystem-safe token. Plain ids pass
// through; everything else becomes "%" + hex so any byte sequence works.
func EncodeID(id string) string {
	if isPlainID(id) {
		return id
	}
	return "%" + hex.EncodeToString([]byte(id))
}

// DecodeID reverses EncodeID.
func DecodeID(tok string) (string, error) {
	if !strings.HasPrefix(tok, "%") {
		return tok, nil
	}
	b, err := hex.DecodeString(tok[1:])
	if err != nil {
		return "", fmt.Errorf("bad id token %q: %w", tok, err)
	}
	return string(b), nil
}

// Per-key paths. One (mode, id) key owns a state lock, a command blob, a
// runner slot, and its mode's timing fields.

func (s *Store) StateLockPath(m Mode, id string) string {
	return filepath.Join(s.dir, EncodeID(id)+"."+string(m)+".lock")
}

func (s *Store) CmdPath(m Mode, id string) string {
	return filepath.Join(s.dir, EncodeID(id)+"."+string(m)+".cmd")
}

func (s *Store) RunnerPath(m Mode, id string) string {
	return filepath.Join(s.dir, EncodeID(id)+"."+string(m)+".runner")
}

func (s *Store) DeadlinePath(id string) string {
	return filepath.Join(s.dir, EncodeID(id)+".debounce.deadline")
}

func (s *Store) WindowPath(id string) string {
	return filepath.Join(s.dir, EncodeID(id)+".throttle.window")
}

func (s *Store) DirtyPath(id string) string {
	return filepath.Join(s.dir, EncodeID(id)+".throttle.dirty")
}

// Per-id paths, shared across both modes: the cross-mode execution record
// and the single-flight run lock.

func (s *Store) LastExecPath(id string) string {
	return filepath.Join(s.dir, EncodeID(id)+".last")
}

func (s *Store) RunLockPath(id string) string {
	return filepath.Join(s.dir, EncodeID(id)+".run.lock")
}

// Store-wide garbage collection guard.

func (s *Store) GCLockPath() string  { return filepath.Join(s.dir, "gc.lock") }
func (s *Store) GCStampPath() string { return filepath.Join(s.dir, "gc.stamp") }

// writeAtomic writes via a temporary sibling and rename so concurrent
// lock-free readers never observe a torn value.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// ReadMS reads a decimal millisecond field. Missing or malformed files
// read as absent.
func (s *Store) ReadMS(path string) (int64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// WriteMS writes a decimal millisecond field atomically.
func (s *Store) WriteMS(path string, v int64) error {
	return s.writeAtomic(path, []byte(strconv.FormatInt(v, 10)+"\n"))
}

// Remove deletes a state file, ignoring absence.
func (s *Store) Remove(path string) {
	_ = os.Remove(path)
}

// Runner slot.

func (s *Store) WriteRunner(m Mode, id string, st detector.Stamp) error {
	return s.writeAtomic(s.RunnerPath(m, id), st.Encode())
}

func (s *Store) ReadRunner(m Mode, id string) (detector.Stamp, bool) {
	b, err := os.ReadFile(s.RunnerPath(m, id))
	if err != nil {
		return detector.Stamp{}, false
	}
	return detector.DecodeStamp(b)
}

func (s *Store) ClearRunner(m Mode, id string) {
	s.Remove(s.RunnerPath(m, id))
}

// Dirty flag (throttle): present means a trailing execution is owed.

func (s *Store) Dirty(id string) bool {
	_, err := os.Stat(s.DirtyPath(id))
	return err == nil
}

func (s *Store) SetDirty(id string) error {
	return s.writeAtomic(s.DirtyPath(id), []byte("1\n"))
}

func (s *Store) ClearDirty(id string) {
	s.Remove(s.DirtyPath(id))
}

// LastExec reads the cross-mode last execution time for id.
func (s *Store) LastExec(id string) (int64, bool) {
	return s.ReadMS(s.LastExecPath(id))
}

// BumpLastExec records an execution at ms. The field is monotonically
// non-decreasing; a stale writer never moves it backwards.
func (s *Store) BumpLastExec(id string, ms int64) error {
	if prev, ok := s.LastExec(id); ok && prev > ms {
		return nil
	}
	return s.WriteMS(s.LastExecPath(id), ms)
}

// KeyRef names one (mode, id) state slot.
type KeyRef struct {
	ID   string
	Mode Mode
}

var keySuffixes = []string{".lock", ".cmd", ".runner", ".deadline", ".window", ".dirty"}

// Keys enumerates all keys present in the store, in stable order. A key is
// listed if any of its per-mode files exists.
func (s *Store) Keys() ([]KeyRef, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[KeyRef]struct{})
	var out []KeyRef
	for _, e := range ents {
		k, _, ok := s.KeyForFile(e.Name())
		if !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Mode < out[j].Mode
	})
	return out, nil
}

// KeyForFile maps a state file name back to its key. Per-id files (last
// exec, run lock) return ok=false with the bare id; unrelated names return
// ok=false with an empty id.
func (s *Store) KeyForFile(name string) (KeyRef, string, bool) {
	for _, m := range Modes() {
		for _, suffix := range keySuffixes {
			full := "." + string(m) + suffix
			if !strings.HasSuffix(name, full) {
				continue
			}
			id, err := DecodeID(strings.TrimSuffix(name, full))
			if err != nil {
				return KeyRef{}, "", false
			}
			return KeyRef{ID: id, Mode: m}, id, true
		}
	}
	for _, suffix := range []string{".run.lock", ".last"} {
		if strings.HasSuffix(name, suffix) {
			id, err := DecodeID(strings.TrimSuffix(name, suffix))
			if err != nil {
				return KeyRef{}, "", false
			}
			return KeyRef{}, id, false
		}
	}
	return KeyRef{}, "", false
}

// RemoveKey deletes all per-key files for (mode, id). The per-id last-exec
// record and run lock are left alone.
func (s *Store) RemoveKey(m Mode, id string) {
	s.Remove(s.CmdPath(m, id))
	s.Remove(s.RunnerPath(m, id))
	if m == ModeDebounce {
		s.Remove(s.DeadlinePath(id))
	} else {
		s.Remove(s.WindowPath(id))
		s.Remove(s.DirtyPath(id))
	}
	s.Remove(s.StateLockPath(m, id))
}

// RemoveID deletes the per-id files shared across modes.
func (s *Store) RemoveID(id string) {
	s.Remove(s.LastExecPath(id))
	s.Remove(s.RunLockPath(id))
}
