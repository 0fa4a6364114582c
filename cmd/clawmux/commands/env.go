package commands

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// bridgeKeyRegexp matches POSIX-style variable names. The generated bridge
// file is sourced by shells inside the sandbox, so anything else is rejected
// up front.
var bridgeKeyRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// parseBridgeEnv builds the bridge-environment allowlist from repeated --env
// values. KEY=VALUE sets an explicit value; a bare KEY copies the variable
// from the orchestrator's own environment. Only variables named here ever
// reach the sandbox; values pass through verbatim and are quoted by the
// mount planner when it writes the bridge file.
func parseBridgeEnv(specs []string) (map[string]string, error) {
	bridge := make(map[string]string, len(specs))

	for _, spec := range specs {
		key, value, explicit := strings.Cut(spec, "=")
		if !bridgeKeyRegexp.MatchString(key) {
			return nil, fmt.Errorf("%q is not a valid bridge variable name", key)
		}

		if !explicit {
			hostValue, ok := os.LookupEnv(key)
			if !ok {
				return nil, fmt.Errorf("bridge variable %q is not set in the host environment", key)
			}
			value = hostValue
		}

		bridge[key] = value
	}

	return bridge, nil
}
