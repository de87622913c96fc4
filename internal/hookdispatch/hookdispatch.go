// Package hookdispatch implements the Hook Dispatch Shim (spec.md §4.7): the
// common front door every installed git hook passes through before reaching
// its handler — repository resolution, a per-git-operation cache, hook-
// specific prefilters that let irrelevant invocations exit fast, and the
// latency/deadline budgets the hook pipeline must never blow through.
package hookdispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gitai-tools/gitai/internal/logging"
	"github.com/gitai-tools/gitai/internal/paths"
)

// PassthroughHooks chain whatever user-installed hook scripts exist but skip
// internal dispatch entirely (spec.md §4.7 step 3: "passthrough-only hooks
// (applypatch-msg, commit-msg, pre-auto-gc, etc.)"). commit-msg carries no
// rewrite-tracker or checkpoint responsibility of its own — the note it
// would eventually attach to is written post-commit, by commit SHA, not by
// message content — so it chains straight through.
var PassthroughHooks = map[string]bool{
	"applypatch-msg":  true,
	"pre-applypatch":  true,
	"post-applypatch": true,
	"pre-auto-gc":     true,
	"commit-msg":      true,
}

// ReferenceTransactionBudget and PostIndexChangeBudget are the no-op latency
// ceilings of spec.md §4.7's performance contract.
const (
	ReferenceTransactionBudget = 10 * time.Millisecond
	PostIndexChangeBudget      = 8 * time.Millisecond
)

// DefaultGlobalDeadline bounds a whole hook process (spec.md §5): "each hook
// process is bounded by a global deadline (default 30s; configurable)."
const DefaultGlobalDeadline = 30 * time.Second

// Cache is the per-git-operation state carried across the several hook
// invocations one git command triggers (spec.md §4.7 step 2: "keyed by
// PID+ppid ... carries HEAD, reflog action, and allow-list state across the
// N hooks of a single git operation"). Each hook runs as its own process, so
// the cache is persisted to a small file named after the shared parent PID
// (the invoking git process) rather than kept in memory.
type Cache struct {
	HEAD               string `json:"head"`
	ReflogAction       string `json:"reflog_action"`
	AllowlistResolved  bool   `json:"allowlist_resolved"`
	RemoteAllowed      bool   `json:"remote_allowed"`
}

// cacheFileName keys the cache to the parent process (the git invocation
// that forked every hook in this operation), so sibling hook processes
// within one `git commit`/`git rebase` share state without needing IPC.
func cacheFileName() string {
	return fmt.Sprintf("hook_cache_%d.json", os.Getppid())
}

// LoadCache returns the cache for the current git operation, or a zero Cache
// if none has been written yet (the first hook of the operation).
func LoadCache(startDir string) (Cache, error) {
	path, err := paths.StatePath(startDir, cacheFileName())
	if err != nil {
		return Cache{}, fmt.Errorf("hookdispatch: resolve cache path: %w", err)
	}
	data, err := os.ReadFile(path) //nolint:gosec // fixed path under our own state dir
	if errors.Is(err, os.ErrNotExist) {
		return Cache{}, nil
	}
	if err != nil {
		return Cache{}, fmt.Errorf("hookdispatch: read cache: %w", err)
	}
	var c Cache
	if err := json.Unmarshal(data, &c); err != nil {
		return Cache{}, nil // corrupt cache: start fresh rather than fail the hook
	}
	return c, nil
}

// SaveCache persists c for the remaining hooks of this git operation to pick
// up. Failure to save is non-fatal: a cache miss just means later hooks
// re-resolve what this one already knew.
func SaveCache(startDir string, c Cache) error {
	path, err := paths.StatePath(startDir, cacheFileName())
	if err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// relevantRefPrefixes is the reference-transaction allow-list of spec.md
// §4.7 step 3: "no refs in {HEAD, refs/heads/*, refs/notes/ai}: exit 0."
func touchesRelevantRef(refs []string) bool {
	for _, r := range refs {
		if r == "HEAD" || r == paths.NotesRef || strings.HasPrefix(r, "refs/heads/") {
			return true
		}
	}
	return false
}

// ShouldSkipReferenceTransaction reports whether a reference-transaction
// invocation touches no ref this system cares about and can exit
// immediately.
func ShouldSkipReferenceTransaction(refs []string) bool {
	return !touchesRelevantRef(refs)
}

// ShouldSkipPostIndexChange reports whether a post-index-change invocation
// has no pending checkpoint session to act on.
func ShouldSkipPostIndexChange(hasPendingSession bool) bool {
	return !hasPendingSession
}

// RemoteResolver lazily resolves the repository's configured remote URLs,
// only called when an allow/exclude list actually needs them.
type RemoteResolver func() ([]string, error)

// ResolveRemoteAllowed implements spec.md §4.7 step 4: "if the configured
// allow/exclude repo lists are both empty, skip the remote-URL fetch
// entirely; otherwise resolve remotes lazily." An empty allow list with a
// non-empty exclude list (or vice versa) still counts as configured and
// triggers resolution.
func ResolveRemoteAllowed(allowList, excludeList []string, remotes RemoteResolver) (bool, error) {
	if len(allowList) == 0 && len(excludeList) == 0 {
		return true, nil
	}
	urls, err := remotes()
	if err != nil {
		return false, fmt.Errorf("hookdispatch: resolve remotes: %w", err)
	}
	if len(allowList) > 0 {
		for _, u := range urls {
			for _, allowed := range allowList {
				if u == allowed {
					return true, nil
				}
			}
		}
		return false, nil
	}
	for _, u := range urls {
		for _, excluded := range excludeList {
			if u == excluded {
				return false, nil
			}
		}
	}
	return true, nil
}

// skipCoreHooksEnvVar lets an operator disable internal dispatch entirely
// (spec.md §6's consumed GIT_AI_SKIP_CORE_HOOKS).
const skipCoreHooksEnvVar = "GIT_AI_SKIP_CORE_HOOKS"

// globalDeadlineEnvVar overrides DefaultGlobalDeadline, in seconds.
const globalDeadlineEnvVar = "GIT_AI_HOOK_DEADLINE_SECONDS"

func globalDeadline() time.Duration {
	if v := os.Getenv(globalDeadlineEnvVar); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultGlobalDeadline
}

// Handler is the actual hook logic a hook subcommand supplies to Dispatch.
type Handler func(ctx context.Context) error

// Dispatch runs handler for hookName under the Hook Dispatch Shim's
// prefilters and budgets (spec.md §4.7). It never returns an error the
// caller should propagate as a nonzero exit: per spec.md §6's exit-code
// contract and §7's "the attribution engine is advisory" policy, every
// failure is logged and swallowed so git itself is never blocked. The one
// exception is a caller-requested block-on-failure policy for pre-commit,
// left to the caller to implement on top of the returned error.
func Dispatch(ctx context.Context, startDir, hookName string, refs []string, hasPendingSession bool, handler Handler) error {
	if os.Getenv(skipCoreHooksEnvVar) != "" {
		return nil
	}
	if PassthroughHooks[hookName] {
		return nil
	}

	start := time.Now()
	var budget time.Duration
	switch hookName {
	case "reference-transaction":
		budget = ReferenceTransactionBudget
		if ShouldSkipReferenceTransaction(refs) {
			logDuration(ctx, hookName, start, "skipped: no relevant ref")
			return nil
		}
	case "post-index-change":
		budget = PostIndexChangeBudget
		if ShouldSkipPostIndexChange(hasPendingSession) {
			logDuration(ctx, hookName, start, "skipped: no pending session")
			return nil
		}
	}

	deadline := globalDeadline()
	hookCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	err := handler(hookCtx)
	elapsed := time.Since(start)

	if errors.Is(hookCtx.Err(), context.DeadlineExceeded) {
		logging.Warn(ctx, "hookdispatch: hook exceeded global deadline",
			slog.String("hook", hookName), slog.Duration("deadline", deadline))
		return nil
	}
	if err != nil {
		logging.Warn(ctx, "hookdispatch: handler returned error",
			slog.String("hook", hookName), slog.String("error", err.Error()))
		return nil
	}

	if budget > 0 && elapsed > budget {
		logging.Warn(ctx, "hookdispatch: exceeded performance budget",
			slog.String("hook", hookName), slog.Duration("elapsed", elapsed), slog.Duration("budget", budget))
	}
	logDuration(ctx, hookName, start, "completed")
	return nil
}

func logDuration(ctx context.Context, hookName string, start time.Time, msg string) {
	logging.LogDuration(ctx, slog.LevelDebug, "hookdispatch: "+msg, start, slog.String("hook", hookName))
}
