package main

// RootFlags decouples cobra flag storage from the handlers for testing.
type RootFlags struct {
	ConfigPath string

	Debounce bool
	Throttle bool
	Leading  string // "", "true" or "false"; default depends on mode
	Trailing string
	TimeoutMS int64
	Wait     bool
	NoWait   bool

	Status   bool
	Reset    bool
	ResetAll bool
	Version  bool

	// ResultCode is the wire exit code of the handled command; main passes
	// it to os.Exit when Execute returns no error.
	ResultCode int
}
