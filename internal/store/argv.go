package store

import (
	"bytes"
	"fmt"
	"os"
)

// The command blob stores argv NUL-delimited so arguments may contain any
// byte except NUL: spaces, quotes, newlines and shell metacharacters pass
// through byte-for-byte.

// EncodeArgv renders argv with a NUL after every element. An empty argv
// encodes to an empty blob.
func EncodeArgv(argv []string) ([]byte, error) {
	var buf bytes.Buffer
	for _, a := range argv {
		if bytes.IndexByte([]byte(a), 0) >= 0 {
			return nil, fmt.Errorf("argument contains NUL byte")
		}
		buf.WriteString(a)
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// DecodeArgv reverses EncodeArgv. Nil for an empty blob.
func DecodeArgv(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	b = bytes.TrimSuffix(b, []byte{0})
	parts := bytes.Split(b, []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// WriteCmd stores argv as the pending command for (mode, id). Last caller
// wins.
func (s *Store) WriteCmd(m Mode, id string, argv []string) error {
	b, err := EncodeArgv(argv)
	if err != nil {
		return err
	}
	return s.writeAtomic(s.CmdPath(m, id), b)
}

// ReadCmd returns the pending argv, or nil when no command is stored.
func (s *Store) ReadCmd(m Mode, id string) []string {
	b, err := os.ReadFile(s.CmdPath(m, id))
	if err != nil {
		return nil
	}
	return DecodeArgv(b)
}

// ClearCmd empties the pending command. An executor that later finds the
// blob empty treats the execution as already satisfied.
func (s *Store) ClearCmd(m Mode, id string) error {
	return s.writeAtomic(s.CmdPath(m, id), nil)
}
