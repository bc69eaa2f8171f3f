package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// pathResolver is the slice of Runtime script builders need.
type pathResolver interface {
	ResolvePath(elem ...string) string
}

// shellQuote single-quotes s for safe interpolation into a shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// backgroundScript wraps script so the process manages its own lifecycle
// records: combined output appended to <outputDir>/output.log and the exit
// status written to <outputDir>/exit_code. Keeping both on the script side
// means they survive a muxd restart and work identically over a wrapped
// transport.
func backgroundScript(script, cwd, outputDir string, r pathResolver) string {
	logPath := r.ResolvePath(outputDir, "output.log")
	exitPath := r.ResolvePath(outputDir, "exit_code")

	// The script runs in a subshell so an `exit N` inside it returns a
	// status to the wrapper instead of terminating it before the exit_code
	// write.
	var sb strings.Builder
	sb.WriteString("exec </dev/null\n")
	sb.WriteString("(\n")
	if cwd != "" {
		sb.WriteString("cd " + shellQuote(cwd) + " && ")
	}
	sb.WriteString("{\n")
	sb.WriteString(script)
	sb.WriteString("\n}\n")
	sb.WriteString(") >> " + shellQuote(logPath) + " 2>&1\n")
	sb.WriteString("status=$?\n")
	sb.WriteString("printf '%s' \"$status\" > " + shellQuote(exitPath) + "\n")
	sb.WriteString("exit $status\n")
	return sb.String()
}

// remoteCommand composes the single argument handed to a wrapper transport:
// cwd and env are folded into the script because the remote shell is the
// only place they can take effect.
func remoteCommand(script string, opts ExecOptions) string {
	var sb strings.Builder
	if opts.Cwd != "" {
		sb.WriteString("cd " + shellQuote(opts.Cwd) + " && ")
	}
	if len(opts.Env) > 0 {
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString("export " + k + "=" + shellQuote(opts.Env[k]) + " && ")
		}
	}
	sb.WriteString(script)

	inner := sb.String()
	if opts.Niceness != 0 {
		return fmt.Sprintf("nice -n %d /bin/bash -c %s", opts.Niceness, shellQuote(inner))
	}
	return "/bin/bash -c " + shellQuote(inner)
}
