// Package paths maps the virtual paths agents address (/workspace,
// /memories, /blocks, /skills) onto real directories under a single
// agent root, rejecting anything that would reach outside them.
//
// Resolution is deliberately paranoid: lexical traversal (".."),
// absolute reattachment, and symlinks whose canonical target leaves
// the agent root are all refused with ErrAccessDenied. Error text
// never leaks the real agent root; it is replaced with "<sandbox>".
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrAccessDenied reports a path outside the agent's sandbox areas.
var ErrAccessDenied = errors.New("access denied")

// Roots lists the virtual top-level directories an agent may address,
// in the order they are mounted into the sandbox.
var Roots = []string{"workspace", "memories", "blocks", "skills"}

// Resolver maps virtual paths to real paths for one agent.
type Resolver struct {
	agentRoot string
}

// NewResolver returns a resolver rooted at the agent's directory
// ({root}/agents/{slug}). The directory does not need to exist yet;
// escape checks canonicalize the nearest existing ancestor instead.
func NewResolver(agentRoot string) *Resolver {
	return &Resolver{agentRoot: filepath.Clean(agentRoot)}
}

// AgentRoot returns the real directory this resolver is rooted at.
func (r *Resolver) AgentRoot() string { return r.agentRoot }

// RealRoot returns the real directory backing one of the virtual roots,
// e.g. RealRoot("workspace") -> {agentRoot}/workspace.
func (r *Resolver) RealRoot(root string) string {
	return filepath.Join(r.agentRoot, root)
}

// Sanitize replaces the agent root prefix in s with "<sandbox>" so
// error text shown to the model never exposes host paths.
func (r *Resolver) Sanitize(s string) string {
	return strings.ReplaceAll(s, r.agentRoot, "<sandbox>")
}

// RootOf returns the virtual root ("workspace", "memories", ...) a
// virtual path addresses, or ErrAccessDenied if it addresses none.
func RootOf(virtual string) (string, error) {
	for _, root := range Roots {
		prefix := "/" + root
		if virtual == prefix || strings.HasPrefix(virtual, prefix+"/") {
			return root, nil
		}
	}
	return "", fmt.Errorf("%w: path %q is outside the sandbox roots (/workspace, /memories, /blocks, /skills)", ErrAccessDenied, virtual)
}

// Resolve maps a virtual path like "/workspace/notes/todo.md" to the
// real path under the agent root. It fails with ErrAccessDenied when
// the input addresses no virtual root, climbs out via "..", or follows
// a symlink whose canonical target lies outside the agent root.
func (r *Resolver) Resolve(virtual string) (string, error) {
	root, err := RootOf(virtual)
	if err != nil {
		return "", err
	}

	tail := strings.TrimPrefix(virtual, "/"+root)
	tail = strings.TrimPrefix(tail, "/")

	// Lexical pass: normalize and make sure we are still inside the
	// expected root subdirectory before touching the filesystem.
	real := filepath.Join(r.agentRoot, root, filepath.FromSlash(tail))
	rel, err := filepath.Rel(r.agentRoot, real)
	if err != nil {
		return "", fmt.Errorf("%w: cannot relativize %q", ErrAccessDenied, virtual)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes the agent sandbox", ErrAccessDenied, virtual)
	}
	if !underRoot(rel, root) {
		return "", fmt.Errorf("%w: path %q escapes the %s sandbox area", ErrAccessDenied, virtual, root)
	}

	// Symlink pass: canonicalize the nearest existing ancestor and
	// re-check containment against the canonical agent root.
	canon, err := r.canonicalize(real)
	if err != nil {
		return "", err
	}
	canonRoot, err := r.canonicalAgentRoot()
	if err != nil {
		return "", err
	}
	canonRel, err := filepath.Rel(canonRoot, canon)
	if err != nil || filepath.IsAbs(canonRel) ||
		canonRel == ".." || strings.HasPrefix(canonRel, ".."+string(filepath.Separator)) ||
		!underRoot(canonRel, root) {
		return "", fmt.Errorf("%w: path %q resolves outside the %s sandbox area", ErrAccessDenied, virtual, root)
	}

	return real, nil
}

// underRoot reports whether the agent-root-relative path rel addresses
// the given root subdirectory (or the subdirectory itself).
func underRoot(rel, root string) bool {
	return rel == root || strings.HasPrefix(rel, root+string(filepath.Separator))
}

// canonicalize resolves symlinks in the deepest existing ancestor of
// real and reattaches the not-yet-existing suffix.
func (r *Resolver) canonicalize(real string) (string, error) {
	existing := real
	var suffix []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		suffix = append([]string{filepath.Base(existing)}, suffix...)
		existing = parent
	}
	canon, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("%w: cannot canonicalize %s", ErrAccessDenied, r.Sanitize(existing))
	}
	return filepath.Join(append([]string{canon}, suffix...)...), nil
}

func (r *Resolver) canonicalAgentRoot() (string, error) {
	canon, err := filepath.EvalSymlinks(r.agentRoot)
	if err != nil {
		// Root not created yet; fall back to the lexical root so
		// resolution still works against a fresh agent directory.
		if os.IsNotExist(err) {
			return r.agentRoot, nil
		}
		return "", fmt.Errorf("%w: cannot canonicalize agent root", ErrAccessDenied)
	}
	return canon, nil
}
