package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/spf13/cobra"

	"github.com/gitai-tools/gitai/internal/gitutil"
	"github.com/gitai-tools/gitai/internal/hookdispatch"
	"github.com/gitai-tools/gitai/internal/logging"
	"github.com/gitai-tools/gitai/internal/paths"
	"github.com/gitai-tools/gitai/internal/reconcile"
	"github.com/gitai-tools/gitai/internal/rewrite"
	"github.com/gitai-tools/gitai/internal/storage"
)

// gitHookContext holds the common logging/settings state every git hook
// subcommand needs, mirroring the session-scoped context the teacher builds
// per invocation for its own hook handlers.
type gitHookContext struct {
	hookName string
	ctx      context.Context
	start    time.Time
}

func newGitHookContext(hookName string) *gitHookContext {
	return &gitHookContext{
		hookName: hookName,
		start:    time.Now(),
		ctx:      logging.WithComponent(context.Background(), "hooks"),
	}
}

func (g *gitHookContext) logInvoked(extraAttrs ...any) {
	attrs := append([]any{slog.String("hook", g.hookName)}, extraAttrs...)
	logging.Debug(g.ctx, g.hookName+" hook invoked", attrs...)
}

func (g *gitHookContext) logCompleted(err error, extraAttrs ...any) {
	attrs := append([]any{slog.String("hook", g.hookName), slog.Bool("success", err == nil)}, extraAttrs...)
	logging.LogDuration(g.ctx, slog.LevelDebug, g.hookName+" hook completed", g.start, attrs...)
}

// initHookLogging bootstraps logging from the last-recorded checkpoint
// session, so a hook's log lines land in the same session log a checkpoint
// ingest wrote to. Returns a cleanup function to defer.
func initHookLogging() func() {
	logging.SetLogLevelGetter(GetLogLevel)

	sessionID, err := paths.ReadCurrentSession()
	if err != nil || sessionID == "" {
		return func() {}
	}
	if err := logging.Init(sessionID); err != nil {
		return func() {}
	}
	return logging.Close
}

var hookLogCleanup func()

// newHooksGitCmd is the parent for the native git hooks installed under
// core.hooksPath (spec.md §6's "Hook set"). Every subcommand is a thin
// dispatch-then-delegate layer: hookdispatch.Dispatch applies the shared
// prefilters and budgets, then the hook's own handler runs the relevant
// Rewrite Tracker / Reconciler call.
func newHooksGitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "git",
		Short:  "Git hook handlers",
		Long:   "Commands called by the native git hooks gitai installs. Internal; not for direct use.",
		Hidden: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			hookLogCleanup = initHookLogging()
			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if hookLogCleanup != nil {
				hookLogCleanup()
			}
			return nil
		},
	}

	cmd.AddCommand(
		newHooksGitPreCommitCmd(),
		newHooksGitPostCommitCmd(),
		newHooksGitPrepareCommitMsgCmd(),
		newHooksGitCommitMsgCmd(),
		newHooksGitPreRebaseCmd(),
		newHooksGitPostRewriteCmd(),
		newHooksGitPostCheckoutCmd(),
		newHooksGitPostMergeCmd(),
		newHooksGitReferenceTransactionCmd(),
		newHooksGitPostIndexChangeCmd(),
		newHooksGitApplypatchMsgCmd(),
		newHooksGitPreApplypatchCmd(),
		newHooksGitPostApplypatchCmd(),
		newHooksGitPreAutoGCCmd(),
		newHooksGitPreMergeCommitCmd(),
	)

	return cmd
}

// hashOf is a small readability wrapper around plumbing.NewHash for the
// string SHAs hook stdin and rewrite.Context carry.
func hashOf(sha string) plumbing.Hash { return plumbing.NewHash(sha) }

// reflogAction reads GIT_REFLOG_ACTION (spec.md §6's consumed env vars), the
// clearest signal of which operation (commit, rebase, commit --amend, …) is
// currently moving HEAD.
func reflogAction() string {
	return os.Getenv("GIT_REFLOG_ACTION")
}

// newHooksGitPreCommitCmd captures the rewrite context a matching
// post-commit will consume (spec.md §4.6: "a per-rewrite context file at
// pre-commit/pre-rewrite time"), and honors the configured block-on-failure
// policy (spec.md §6's exit-code contract's one exception).
func newHooksGitPreCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pre-commit",
		Short: "Handle pre-commit git hook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g := newGitHookContext("pre-commit")
			g.logInvoked()

			settings := loadSettings("")
			var hookErr error
			err := hookdispatch.Dispatch(cmd.Context(), "", "pre-commit", nil, false, func(ctx context.Context) error {
				repo, err := gitutil.OpenRepository("")
				if err != nil {
					return err
				}
				baseHEAD, err := gitutil.HeadSHA(repo)
				if err != nil && !errors.Is(err, gitutil.ErrNoHead) {
					return err
				}
				hookErr = rewrite.CaptureContext("", baseHEAD, reflogAction(), "")
				return hookErr
			})
			g.logCompleted(err)

			if settings.BlockOnFailure && hookErr != nil {
				return hookErr
			}
			return nil
		},
	}
}

// newHooksGitPostCommitCmd runs the Reconciler for the just-landed commit,
// or the Rewrite Tracker's amend handling when the consumed context shows
// this commit replaced rather than extended its parent (spec.md §4.6's
// amend row: a message-only or content amend looks, from post-commit's
// point of view, like an ordinary commit whose reflog action says
// "commit (amend)").
func newHooksGitPostCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "post-commit",
		Short: "Handle post-commit git hook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g := newGitHookContext("post-commit")
			g.logInvoked()

			err := hookdispatch.Dispatch(cmd.Context(), "", "post-commit", nil, false, func(ctx context.Context) error {
				repo, err := gitutil.OpenRepository("")
				if err != nil {
					return err
				}
				newSHA, err := gitutil.HeadSHA(repo)
				if err != nil {
					return err
				}

				rewriteCtx, ctxErr := rewrite.ConsumeContext("")
				isAmend := ctxErr == nil && strings.Contains(rewriteCtx.ReflogAction, "amend")

				if isAmend && rewriteCtx.BaseHEAD != "" {
					return rewrite.HandleAmend(repo, hashOf(rewriteCtx.BaseHEAD), hashOf(newSHA))
				}

				settings := loadSettings("")
				return reconcile.Reconcile(ctx, "", newSHA, transcriptPolicy(settings))
			})
			g.logCompleted(err)
			return nil
		},
	}
}

func newHooksGitPrepareCommitMsgCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare-commit-msg <commit-msg-file> [source] [sha]",
		Short: "Handle prepare-commit-msg git hook",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			g := newGitHookContext("prepare-commit-msg")
			g.logInvoked()
			// No authorship content to add to the message itself: the note
			// is written entirely out-of-band via refs/notes/ai.
			err := hookdispatch.Dispatch(cmd.Context(), "", "prepare-commit-msg", nil, false, func(context.Context) error {
				return nil
			})
			g.logCompleted(err)
			return nil
		},
	}
}

// newHooksGitCommitMsgCmd is registered for completeness but never actually
// dispatches: commit-msg is one of spec.md §4.7's named passthrough-only
// hooks, so hookdispatch.Dispatch short-circuits before the handler runs.
func newHooksGitCommitMsgCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit-msg <commit-msg-file>",
		Short: "Handle commit-msg git hook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return hookdispatch.Dispatch(cmd.Context(), "", "commit-msg", nil, false, func(context.Context) error {
				return nil
			})
		},
	}
}

// newHooksGitPreRebaseCmd captures rewrite context ahead of a rebase the
// same way pre-commit does ahead of a commit, so post-rewrite has a
// BaseHEAD/ReflogAction to consume even though no commit is being made yet.
func newHooksGitPreRebaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pre-rebase <upstream> [branch]",
		Short: "Handle pre-rebase git hook",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			g := newGitHookContext("pre-rebase")
			g.logInvoked()

			err := hookdispatch.Dispatch(cmd.Context(), "", "pre-rebase", nil, false, func(context.Context) error {
				repo, err := gitutil.OpenRepository("")
				if err != nil {
					return err
				}
				baseHEAD, err := gitutil.HeadSHA(repo)
				if err != nil && !errors.Is(err, gitutil.ErrNoHead) {
					return err
				}
				return rewrite.CaptureContext("", baseHEAD, "rebase", "")
			})
			g.logCompleted(err)
			return nil
		},
	}
}

// newHooksGitPostRewriteCmd handles the post-rewrite hook's stdin mapping
// lines (spec.md §4.6's amend/rebase/cherry-pick row). Its one required
// argument, the command that triggered the rewrite ("amend" or "rebase"),
// is what git itself passes; multiple old SHAs collapsing onto the same new
// SHA is this hook's own squash signal (spec.md §4.6's squash row: "detect
// via absence in post-rewrite but presence of pending-commit state plus ref
// transition" — in practice, once post-rewrite itself fires with a rebase
// command whose stdin groups several old SHAs under one new SHA, that IS
// the squash case, so it's handled here rather than needing a second
// separate detector).
func newHooksGitPostRewriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "post-rewrite <amend|rebase>",
		Short: "Handle post-rewrite git hook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := args[0]
			g := newGitHookContext("post-rewrite")
			g.logInvoked(slog.String("command", command))

			mappings, err := rewrite.ParsePostRewriteStdin(cmd.InOrStdin())
			if err != nil {
				g.logCompleted(err)
				return nil
			}

			err = hookdispatch.Dispatch(cmd.Context(), "", "post-rewrite", nil, false, func(context.Context) error {
				repo, err := gitutil.OpenRepository("")
				if err != nil {
					return err
				}

				byNewSHA := map[string][]string{}
				for _, m := range mappings {
					byNewSHA[m.New.String()] = append(byNewSHA[m.New.String()], m.Old.String())
				}

				for newSHA, oldSHAs := range byNewSHA {
					if len(oldSHAs) > 1 {
						if err := rewrite.HandleSquash(repo, oldSHAs, hashOf(newSHA)); err != nil {
							return err
						}
						continue
					}
					if command == "amend" {
						if err := rewrite.HandleAmend(repo, hashOf(oldSHAs[0]), hashOf(newSHA)); err != nil {
							return err
						}
						continue
					}
					if err := rewrite.HandleRebase(repo, []rewrite.Mapping{{Old: hashOf(oldSHAs[0]), New: hashOf(newSHA)}}); err != nil {
						return err
					}
				}
				return nil
			})
			g.logCompleted(err)
			return nil
		},
	}
}

// newHooksGitPostCheckoutCmd is a documented no-op forward (spec.md §4.6's
// checkout row): HandleCheckout exists only to keep the state machine's
// table complete, since workinglog.Build always resolves against whatever
// HEAD the caller passes it rather than a persisted "active log" pointer.
func newHooksGitPostCheckoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "post-checkout <prev-head> <new-head> <branch-checkout>",
		Short: "Handle post-checkout git hook",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			newHEAD := args[1]
			g := newGitHookContext("post-checkout")
			g.logInvoked()

			err := hookdispatch.Dispatch(cmd.Context(), "", "post-checkout", nil, false, func(context.Context) error {
				rewrite.HandleCheckout(newHEAD)
				return nil
			})
			g.logCompleted(err)
			return nil
		},
	}
}

// newHooksGitPostMergeCmd reconciles the merge commit HEAD now points at.
// A `git merge --squash` invocation never triggers post-merge (it leaves
// the merge pending, uncommitted); that path lands as an ordinary commit
// through pre-commit/post-commit instead, so no separate handling belongs
// here.
func newHooksGitPostMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "post-merge <is-squash>",
		Short: "Handle post-merge git hook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, _ []string) error {
			g := newGitHookContext("post-merge")
			g.logInvoked()

			err := hookdispatch.Dispatch(cmd.Context(), "", "post-merge", nil, false, func(ctx context.Context) error {
				repo, err := gitutil.OpenRepository("")
				if err != nil {
					return err
				}
				newSHA, err := gitutil.HeadSHA(repo)
				if err != nil {
					return err
				}
				settings := loadSettings("")
				return reconcile.Reconcile(ctx, "", newSHA, transcriptPolicy(settings))
			})
			g.logCompleted(err)
			return nil
		},
	}
}

// newHooksGitReferenceTransactionCmd implements spec.md §4.6's reset row:
// "reference-transaction on HEAD plus reflog action: no note movement;
// invalidate the Working Log if base SHA no longer exists." The prefilter
// in hookdispatch.Dispatch already skips invocations touching no relevant
// ref before this handler ever runs, satisfying the ≤10ms no-op budget.
func newHooksGitReferenceTransactionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reference-transaction <state>",
		Short: "Handle reference-transaction git hook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := args[0]
			refs, oldSHAs := parseReferenceTransactionStdin(cmd.InOrStdin())

			err := hookdispatch.Dispatch(cmd.Context(), "", "reference-transaction", refs, false, func(ctx context.Context) error {
				if state != "committed" || !strings.Contains(reflogAction(), "reset") {
					return nil
				}
				repo, err := gitutil.OpenRepository("")
				if err != nil {
					return err
				}
				store, err := storage.Open("")
				if err != nil {
					return err
				}
				for _, oldSHA := range oldSHAs {
					if err := rewrite.HandleReset(ctx, repo, store, oldSHA); err != nil {
						return err
					}
				}
				return nil
			})
			return err
		},
	}
}

// parseReferenceTransactionStdin reads reference-transaction's stdin format:
// one line per updated ref, "<old-oid> <new-oid> <refname>". It returns the
// touched ref names (for the dispatch prefilter) and the old OIDs (the
// pre-reset base commits HandleReset checks reachability for).
func parseReferenceTransactionStdin(r io.Reader) (refs, oldSHAs []string) {
	data, _ := io.ReadAll(r)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		refs = append(refs, fields[2])
		oldSHAs = append(oldSHAs, fields[0])
	}
	return refs, oldSHAs
}

// newHooksGitPostIndexChangeCmd is the Working Log's index-change signal
// (spec.md §4.7's ≤8ms no-op budget). gitai never installs this hook's
// logic with a pending session today — it exists so the dispatch
// prefilter's "no pending checkpoint session: exit 0" short-circuit has a
// real subcommand to attach to once an agent integration wires a live
// pending-session indicator through it.
func newHooksGitPostIndexChangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "post-index-change",
		Short:  "Handle post-index-change git hook",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return hookdispatch.Dispatch(cmd.Context(), "", "post-index-change", nil, false, func(context.Context) error {
				return nil
			})
		},
	}
}

func newHooksGitApplypatchMsgCmd() *cobra.Command  { return passthroughHookCmd("applypatch-msg") }
func newHooksGitPreApplypatchCmd() *cobra.Command  { return passthroughHookCmd("pre-applypatch") }
func newHooksGitPostApplypatchCmd() *cobra.Command { return passthroughHookCmd("post-applypatch") }
func newHooksGitPreAutoGCCmd() *cobra.Command      { return passthroughHookCmd("pre-auto-gc") }

// passthroughHookCmd builds a hook subcommand that exists only so
// hookdispatch.PassthroughHooks has a registered command to short-circuit;
// none of these carry rewrite-tracker or reconciler responsibility.
func passthroughHookCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:    name,
		Short:  "Handle " + name + " git hook (passthrough)",
		Args:   cobra.ArbitraryArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return hookdispatch.Dispatch(cmd.Context(), "", name, nil, false, func(context.Context) error {
				return nil
			})
		},
	}
}

// newHooksGitPreMergeCommitCmd captures rewrite context ahead of a merge
// commit the same way pre-commit does, so a merge that turns out to carry
// conflict-resolution edits still has a BaseHEAD recorded, even though
// post-merge's own handler (not post-commit) is what actually reconciles it.
func newHooksGitPreMergeCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pre-merge-commit",
		Short: "Handle pre-merge-commit git hook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g := newGitHookContext("pre-merge-commit")
			g.logInvoked()

			settings := loadSettings("")
			var hookErr error
			err := hookdispatch.Dispatch(cmd.Context(), "", "pre-merge-commit", nil, false, func(context.Context) error {
				repo, err := gitutil.OpenRepository("")
				if err != nil {
					return err
				}
				baseHEAD, err := gitutil.HeadSHA(repo)
				if err != nil && !errors.Is(err, gitutil.ErrNoHead) {
					return err
				}
				hookErr = rewrite.CaptureContext("", baseHEAD, "merge", "")
				return hookErr
			})
			g.logCompleted(err)

			if settings.BlockOnFailure && hookErr != nil {
				return hookErr
			}
			return nil
		},
	}
}
