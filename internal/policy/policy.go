// Package policy gates which commands may run and whether they may broadcast.
package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/dexkit/internal/errors"
)

// CheckCommandAllowed passes when the allowlist is empty or names the command
// path or one of its parents ("swap" allows "swap submit").
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		prefix := normalize(allowed)
		if prefix == "" {
			continue
		}
		if normPath == prefix || strings.HasPrefix(normPath, prefix+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q blocked by --enable-commands policy", normPath))
}

// CheckBroadcast refuses to sign in read-only mode.
func CheckBroadcast(readOnly bool, commandPath string) error {
	if !readOnly {
		return nil
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q would broadcast a transaction in read-only mode", normalize(commandPath)))
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
