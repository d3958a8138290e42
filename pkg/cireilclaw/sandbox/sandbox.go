// Package sandbox runs allowlisted binaries inside an OS-level jail.
//
// The only production executor is BwrapExecutor, which builds a
// bubblewrap invocation with fresh user, PID, IPC, UTS, and mount
// namespaces around every command. Validation happens before anything
// is spawned: the command must be a bare binary name on the configured
// allowlist, so a rejected request never touches the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"
)

// DefaultTimeout bounds a command when the caller does not set one.
const DefaultTimeout = 60 * time.Second

// ExecRequest describes one sandboxed command invocation.
type ExecRequest struct {
	// Command is the bare binary name to run, e.g. "ls". It must
	// appear in AllowedBinaries.
	Command string

	// Args are passed to the binary verbatim.
	Args []string

	// AllowedBinaries is the allowlist the command is checked against.
	AllowedBinaries []string

	// Timeout kills the command when exceeded. Zero means
	// DefaultTimeout.
	Timeout time.Duration
}

// ExecResult captures what a sandboxed command produced.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Killed is set when the command did not exit on its own
	// (timeout). Killed runs report ExitCode -1.
	Killed bool
}

// Executor runs commands in an isolated environment.
type Executor interface {
	// Execute runs the request and returns its captured output.
	// Validation failures (allowlist miss, malformed command) are
	// returned as errors whose text is safe to surface verbatim.
	Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error)

	// Available reports whether this executor can run on the host.
	Available() bool

	// Name identifies the executor in logs.
	Name() string

	// Close releases executor resources.
	Close() error
}

// commandMetaChars are shell metacharacters a command name may not
// contain. The command is execve'd directly, never passed to a shell,
// but a name carrying these is always an injection attempt.
const commandMetaChars = "\"'|&;$`\\"

// ValidateCommand checks that command is a plain binary name present
// in the allowlist. The returned error text is shown to the model
// unmodified, so it is phrased as a user-facing sentence.
func ValidateCommand(command string, allowed []string) error {
	if command == "" {
		return errors.New("Command must not be empty.")
	}
	if strings.ContainsFunc(command, unicode.IsSpace) {
		return fmt.Errorf("Command '%s' must be a single binary name without spaces.", command)
	}
	if strings.ContainsAny(command, commandMetaChars) {
		return fmt.Errorf("Command '%s' contains shell metacharacters.", command)
	}
	if !slices.Contains(allowed, command) {
		return fmt.Errorf("Command '%s' is not in the allowed binaries list.", command)
	}
	return nil
}
