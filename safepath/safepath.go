// Package safepath validates user-supplied file paths against a configured root
// directory. Every path that reaches the filesystem on behalf of a request must
// pass through a Resolver first: it canonicalizes with the real filesystem
// (symlinks resolved), enforces containment segment-wise, and applies
// per-operation existence and permission checks. Rejections are logged with full
// detail; returned errors carry only the category so HTTP responses stay generic.
package safepath

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/Serph91P/StreamVault-sub006/telemetry"
)

// Op describes what the caller intends to do with the resolved path. The
// operation decides whether the target must already exist and which access
// check applies.
type Op string

const (
	// OpInspect resolves a path without requiring it to exist (stat, listings).
	OpInspect Op = "inspect"
	// OpRead requires an existing regular file readable by the process.
	OpRead Op = "read"
	// OpWrite requires an existing, writable parent directory; the target itself
	// may be created by the caller afterwards.
	OpWrite Op = "write"
	// OpDelete requires an existing regular file.
	OpDelete Op = "delete"
)

var (
	// ErrInvalidInput rejects malformed input: empty, NUL bytes, over-long, or
	// a target that is not a regular file where one is required.
	ErrInvalidInput = errors.New("invalid path input")
	// ErrOutsideRoot rejects paths that resolve outside the allowed root,
	// including absolute inputs, dot-dot escapes and symlink escapes.
	ErrOutsideRoot = errors.New("path outside allowed root")
	// ErrNotFound rejects read/delete of paths that do not exist.
	ErrNotFound = errors.New("path not found")
	// ErrPermission rejects paths the process may not access for the operation.
	ErrPermission = errors.New("path permission denied")
)

// maxRawLen caps accepted input well above any legitimate relative path.
const maxRawLen = 4096

// Result is the per-request validation record. It exists for audit logging and
// admin diagnostics only; it is never persisted.
type Result struct {
	Raw       string
	Canonical string
	Op        Op
	Allowed   bool
	Reason    string
}

// Resolver validates paths against one allowed root. Construct one per root
// (recordings, thumbnails) and inject it; the root is fixed for the lifetime
// of the resolver.
type Resolver struct {
	root string
}

// NewResolver returns a Resolver for the given root directory. The root is made
// absolute immediately; it must exist by the time Resolve is first called.
func NewResolver(root string) (*Resolver, error) {
	if root == "" {
		return nil, fmt.Errorf("safepath: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("safepath: absolute root: %w", err)
	}
	return &Resolver{root: abs}, nil
}

// Root returns the configured (non-canonicalized) absolute root.
func (r *Resolver) Root() string { return r.root }

// Resolve validates raw against the root for the given operation and returns
// the canonical absolute path to use for the filesystem call. The error is one
// of the package sentinels for denials, or a wrapped internal error when the
// environment itself is broken (unresolvable root).
func (r *Resolver) Resolve(ctx context.Context, raw string, op Op) (string, error) {
	res, sentinel, err := r.check(ctx, raw, op)
	if err != nil {
		return "", err
	}
	if !res.Allowed {
		r.audit(ctx, res)
		return "", fmt.Errorf("resolve %s: %s: %w", op, res.Reason, sentinel)
	}
	telemetry.LoggerWithCorr(ctx).Debug("path resolved",
		slog.String("raw", res.Raw),
		slog.String("canonical", res.Canonical),
		slog.String("op", string(op)),
		slog.String("component", "safepath"))
	return res.Canonical, nil
}

// Check runs the same validation as Resolve but reports the outcome as a Result
// instead of an error. Internal failures surface as a denial with a generic
// reason. Used by admin diagnostics.
func (r *Resolver) Check(ctx context.Context, raw string, op Op) Result {
	res, _, err := r.check(ctx, raw, op)
	if err != nil {
		res.Allowed = false
		res.Reason = "internal error"
	}
	if !res.Allowed {
		r.audit(ctx, res)
	}
	return res
}

func (r *Resolver) audit(ctx context.Context, res Result) {
	telemetry.LoggerWithCorr(ctx).Warn("path rejected",
		slog.String("raw", res.Raw),
		slog.String("candidate", res.Canonical),
		slog.String("op", string(res.Op)),
		slog.String("reason", res.Reason),
		slog.String("component", "safepath"))
	telemetry.IncPathRejection(string(res.Op), res.Reason)
}

// check performs validation. The returned sentinel pairs with res.Allowed=false;
// the error return is reserved for internal (non-denial) failures.
func (r *Resolver) check(ctx context.Context, raw string, op Op) (Result, error, error) {
	res := Result{Raw: raw, Op: op}

	if raw == "" || len(raw) > maxRawLen || strings.ContainsRune(raw, 0) {
		res.Reason = "malformed input"
		return res, ErrInvalidInput, nil
	}
	// Absolute inputs are override attempts, never joined under the root.
	if filepath.IsAbs(raw) {
		res.Reason = "absolute path"
		return res, ErrOutsideRoot, nil
	}

	joined := filepath.Join(r.root, raw)
	res.Canonical = joined
	// Lexical pre-check: Join cleans dot-dot segments, so a traversal like
	// ../../etc/passwd has already walked above the root here.
	if rel := relInside(r.root, joined); rel == "" {
		res.Reason = "escapes root"
		return res, ErrOutsideRoot, nil
	}

	rootReal, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		return res, nil, fmt.Errorf("canonicalize root %s: %w", r.root, err)
	}

	target, exists, sentinel, reason := canonicalizeTarget(joined, op)
	if sentinel != nil {
		res.Reason = reason
		return res, sentinel, nil
	}
	res.Canonical = target

	// Containment against the canonical root, segment-wise: a sibling like
	// <root>-evil shares the string prefix but not the path prefix.
	rel := relInside(rootReal, target)
	if rel == "" {
		res.Reason = "escapes root"
		return res, ErrOutsideRoot, nil
	}
	if rel == "." && op != OpInspect {
		res.Reason = "root itself"
		return res, ErrInvalidInput, nil
	}

	if sentinel, reason := opCheck(target, exists, op); sentinel != nil {
		res.Reason = reason
		return res, sentinel, nil
	}

	res.Allowed = true
	return res, nil, nil
}

// canonicalizeTarget resolves symlinks in the joined path. For operations that
// allow a missing target, the deepest existing ancestor is canonicalized and
// the missing remainder re-joined; write additionally requires the immediate
// parent to exist.
func canonicalizeTarget(joined string, op Op) (target string, exists bool, sentinel error, reason string) {
	real, err := filepath.EvalSymlinks(joined)
	if err == nil {
		return real, true, nil, ""
	}
	if errors.Is(err, fs.ErrPermission) {
		return "", false, ErrPermission, "unreadable path component"
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", false, ErrInvalidInput, "unresolvable path"
	}

	switch op {
	case OpRead, OpDelete:
		return "", false, ErrNotFound, "target does not exist"
	case OpWrite:
		parentReal, err := filepath.EvalSymlinks(filepath.Dir(joined))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", false, ErrNotFound, "parent does not exist"
			}
			if errors.Is(err, fs.ErrPermission) {
				return "", false, ErrPermission, "unreadable parent"
			}
			return "", false, ErrInvalidInput, "unresolvable parent"
		}
		return filepath.Join(parentReal, filepath.Base(joined)), false, nil, ""
	default: // OpInspect
		t, err := evalExistingPrefix(joined)
		if err != nil {
			return "", false, ErrInvalidInput, "unresolvable path"
		}
		return t, false, nil, ""
	}
}

// evalExistingPrefix canonicalizes the deepest existing ancestor of p and
// re-joins the nonexistent remainder.
func evalExistingPrefix(p string) (string, error) {
	rest := ""
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if rest == "" {
				return real, nil
			}
			return filepath.Join(real, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fs.ErrNotExist
		}
		if rest == "" {
			rest = filepath.Base(cur)
		} else {
			rest = filepath.Join(filepath.Base(cur), rest)
		}
		cur = parent
	}
}

// opCheck applies the per-operation existence, file-type and access rules to an
// already-contained canonical target.
func opCheck(target string, exists bool, op Op) (sentinel error, reason string) {
	switch op {
	case OpRead:
		fi, err := os.Stat(target)
		if err != nil {
			return statError(err)
		}
		if !fi.Mode().IsRegular() {
			return ErrInvalidInput, "not a regular file"
		}
		if err := unix.Access(target, unix.R_OK); err != nil {
			return ErrPermission, "not readable"
		}
	case OpDelete:
		fi, err := os.Stat(target)
		if err != nil {
			return statError(err)
		}
		if !fi.Mode().IsRegular() {
			return ErrInvalidInput, "not a regular file"
		}
	case OpWrite:
		if exists {
			fi, err := os.Stat(target)
			if err != nil {
				return statError(err)
			}
			if !fi.Mode().IsRegular() {
				return ErrInvalidInput, "not a regular file"
			}
			if err := unix.Access(target, unix.W_OK); err != nil {
				return ErrPermission, "not writable"
			}
			return nil, ""
		}
		if err := unix.Access(filepath.Dir(target), unix.W_OK); err != nil {
			return ErrPermission, "parent not writable"
		}
	case OpInspect:
		// No existence or access requirement.
	}
	return nil, ""
}

func statError(err error) (error, string) {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound, "target does not exist"
	}
	if errors.Is(err, fs.ErrPermission) {
		return ErrPermission, "stat denied"
	}
	return ErrInvalidInput, "unresolvable path"
}

// relInside returns the relative path of p under root, or "" when p is not
// contained. Containment is by path segment: "." (the root itself) counts as
// inside, ".." and anything below it does not.
func relInside(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return ""
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return rel
}
