package detector

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/loykin/damper/internal/clock"
)

// Stamp identifies a runner process. PID alone is not enough for any
// lifecycle decision that ends in a signal: the OS start token is compared
// first so a recycled PID is never mistaken for a live runner.
type Stamp struct {
	PID     int    `json:"pid"`
	StartMS int64  `json:"start_ms"`
	Token   string `json:"token"`
}

// Self returns the stamp of the calling process.
func Self() Stamp {
	pid := os.Getpid()
	return Stamp{PID: pid, StartMS: clock.NowMS(), Token: TokenFor(pid)}
}

// TokenFor returns the OS-supplied start token for pid, or "" when it cannot
// be determined.
func TokenFor(pid int) string {
	s := procStartUnix(pid)
	if s <= 0 {
		return ""
	}
	return strconv.FormatInt(s, 10)
}

// Alive reports whether the stamped process still exists and is the same
// process the stamp was taken from. A PID match with a token mismatch means
// the PID was reused; the stamp is dead.
func (s Stamp) Alive() bool {
	if s.PID <= 0 {
		return false
	}
	if !pidAlive(s.PID) {
		return false
	}
	if s.Token != "" {
		if cur := TokenFor(s.PID); cur != "" && cur != s.Token {
			return false
		}
	}
	return true
}

type stampMeta struct {
	StartMS int64  `json:"start_ms"`
	Token   string `json:"token"`
}

// Encode renders the stamp in the extended pidfile format: first line the
// PID, second line JSON metadata.
func (s Stamp) Encode() []byte {
	meta, _ := json.Marshal(stampMeta{StartMS: s.StartMS, Token: s.Token})
	return []byte(strconv.Itoa(s.PID) + "\n" + string(meta) + "\n")
}

// DecodeStamp parses the extended pidfile format. A bare PID line without
// metadata still decodes; the token is then empty.
func DecodeStamp(data []byte) (Stamp, bool) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return Stamp{}, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return Stamp{}, false
	}
	st := Stamp{PID: pid}
	if len(lines) >= 2 {
		var m stampMeta
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m); err == nil {
			st.StartMS = m.StartMS
			st.Token = m.Token
		}
	}
	return st, true
}
