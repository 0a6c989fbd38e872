// Package guest prepares the environment when the worker boots as init
// inside a worker microVM.
package guest

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// EnvPrefix selects the kernel command line parameters copied into the
// process environment.
const EnvPrefix = "SANDBOX_"

// CmdlinePath is where the kernel exposes its boot arguments.
const CmdlinePath = "/proc/cmdline"

// ParseCmdline returns the key=value parameters in cmdline whose key starts
// with EnvPrefix. Later duplicates win, like the kernel.
func ParseCmdline(cmdline string) map[string]string {
	vars := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(cmdline))
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		vars[key] = value
	}
	return vars
}

// ImportCmdline reads the kernel command line at path and sets each
// SANDBOX_* parameter that is not already in the environment. The kernel
// only forwards parameters without a dot to init, so values such as tokens
// may be missing from the inherited environment. It returns the keys set.
func ImportCmdline(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kernel cmdline: %w", err)
	}
	var set []string
	for key, value := range ParseCmdline(string(data)) {
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return set, fmt.Errorf("set %s: %w", key, err)
		}
		set = append(set, key)
	}
	return set, nil
}
