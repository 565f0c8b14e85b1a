package remote

import (
	"sort"
	"strings"
)

// pathAugmentation is prepended to PATH on the remote side so agent binaries
// installed by user-level package managers are found from a non-interactive
// shell.
const pathAugmentation = `$HOME/.local/bin:$HOME/.npm-global/bin:$HOME/bin:/usr/local/bin:$PATH`

// BuildCommand assembles the shell command line executed on a remote machine.
//
// The result always:
//   - prepends the PATH augmentation,
//   - exports every caller-supplied variable except PATH itself (values
//     single-quoted so they survive a POSIX shell verbatim),
//   - installs a trap that kills the whole process group on exit, interrupt
//     and terminate, so children forked by the agent never outlive the shell.
//
// Pure function; quoting edge cases are covered by tests.
func BuildCommand(command string, args []string, env map[string]string) string {
	var b strings.Builder
	b.WriteString(`export PATH="` + pathAugmentation + `"; `)

	// Deterministic export order.
	keys := make([]string, 0, len(env))
	for k := range env {
		if k == "PATH" {
			continue // never clobber the augmentation
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("export " + k + "=" + Quote(env[k]) + "; ")
	}

	b.WriteString(`trap 'kill 0 2>/dev/null' EXIT INT TERM; `)

	b.WriteString(Quote(command))
	for _, a := range args {
		b.WriteString(" " + Quote(a))
	}
	return b.String()
}

// Quote single-quotes s for a POSIX shell. An embedded single quote is
// handled by closing the quoted span, escaping it, and reopening.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
