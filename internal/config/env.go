package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// EnvMaxCoreNumber bounds how many execution workers run concurrently.
const EnvMaxCoreNumber = "MAX_RUNTIME_CORE_NUMBER"

// Env is the process environment the runtime honours.
type Env struct {
	MaxCoreNumber int
}

// ParseEnv reads the runtime environment through lookup, which has the
// signature of os.LookupEnv. A non-numeric MAX_RUNTIME_CORE_NUMBER is a
// fatal error.
func ParseEnv(lookup func(string) (string, bool)) (Env, error) {
	env := Env{MaxCoreNumber: runtime.NumCPU()}
	raw, ok := lookup(EnvMaxCoreNumber)
	if !ok || strings.TrimSpace(raw) == "" {
		return env, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return Env{}, fmt.Errorf("%s must be numeric: %w", EnvMaxCoreNumber, err)
	}
	if n <= 0 {
		return Env{}, fmt.Errorf("%s must be positive, got %d", EnvMaxCoreNumber, n)
	}
	env.MaxCoreNumber = n
	return env, nil
}
