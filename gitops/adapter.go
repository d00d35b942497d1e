package gitops

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/workerpool"

	ourerrors "github.com/necrocode/repopool/core/errors"
	"github.com/necrocode/repopool/core/log"
)

// Defaults mirror spec §4.1: a hard per-invocation timeout of roughly
// 300s, and a small bounded retry count with a fixed inter-attempt delay
// for the operations the spec marks retryable (clone, fetch, clean, reset).
const (
	DefaultTimeout    = 300 * time.Second
	DefaultRetries    = 3
	DefaultRetryDelay = 2 * time.Second
)

// Adapter executes git subprocesses with bounded retries and timeouts.
// It makes no assumption about network reachability beyond retrying on
// transient failures; PATH and credential helpers are the host's concern.
type Adapter struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// New returns an Adapter configured with the spec's defaults, using
// timeout as the per-invocation hard timeout in place of DefaultTimeout
// when it is positive — this is where a config package's cleanup_timeout
// (spec §6's "advisory per-cleanup upper bound") is threaded in.
func New(timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{
		Timeout:    timeout,
		Retries:    DefaultRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// run executes one git invocation, applying the hard timeout. If
// retryable is true, the whole attempt is made up to Retries times in
// total with a fixed RetryDelay between attempts; an exhausted retry budget
// produces a *errors.GitOperationError carrying the last stderr.
func (a *Adapter) run(dir, operation string, retryable bool, args ...string) (Result, error) {
	var last Result
	var lastErr error

	attempt := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
		defer cancel()

		start := time.Now()
		cmd := exec.CommandContext(ctx, "git", args...)
		if dir != "" {
			cmd.Dir = dir
		}

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		duration := time.Since(start)

		exitCode := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}

		last = Result{
			Success:  runErr == nil,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitCode,
			Duration: duration,
		}

		if runErr == nil {
			lastErr = nil
			return nil
		}

		if ctx.Err() == context.DeadlineExceeded {
			log.Warn("⏱️ git %s timed out after %s in %s", operation, a.Timeout, dir)
		}

		lastErr = runErr
		if retryable {
			return runErr // triggers a retry
		}
		return backoff.Permanent(runErr)
	}

	var bo backoff.BackOff = backoff.NewConstantBackOff(a.RetryDelay)
	if retryable {
		bo = backoff.WithMaxRetries(bo, uint64(a.Retries-1))
	} else {
		bo = backoff.WithMaxRetries(bo, 0)
	}

	if err := backoff.Retry(attempt, bo); err != nil {
		return last, &ourerrors.GitOperationError{
			Operation: operation,
			Dir:       dir,
			Stderr:    last.Stderr,
			Err:       lastErr,
		}
	}
	return last, nil
}

// Clone performs a full clone of url into dest. Retryable.
func (a *Adapter) Clone(url, dest string) (Result, error) {
	log.Info("📋 Cloning %s into %s", url, dest)
	return a.run("", "clone", true, "clone", url, dest)
}

// FetchAllPrune runs `git fetch --all --prune` against origin. Retryable.
func (a *Adapter) FetchAllPrune(dir string) (Result, error) {
	return a.run(dir, "fetch", true, "fetch", "--all", "--prune")
}

// CleanForceUntracked removes all untracked files and directories,
// including ignored ones (`git clean -fdx`). Retryable.
func (a *Adapter) CleanForceUntracked(dir string) (Result, error) {
	return a.run(dir, "clean", true, "clean", "-fdx")
}

// ResetHard resets the working tree to ref (default HEAD). Retryable.
func (a *Adapter) ResetHard(dir, ref string) (Result, error) {
	if ref == "" {
		ref = "HEAD"
	}
	return a.run(dir, "reset", true, "reset", "--hard", ref)
}

// Checkout switches the working tree to ref. Not retryable: a failing
// checkout usually indicates a real conflict, not transient flakiness.
func (a *Adapter) Checkout(dir, ref string) (Result, error) {
	return a.run(dir, "checkout", false, "checkout", ref)
}

// CurrentBranch returns the checked-out branch name. Introspection: no retry.
func (a *Adapter) CurrentBranch(dir string) (string, error) {
	res, err := a.run(dir, "rev-parse", false, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CurrentCommit returns the HEAD commit sha. Introspection: no retry.
func (a *Adapter) CurrentCommit(dir string) (string, error) {
	res, err := a.run(dir, "rev-parse", false, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ListRemoteBranches lists origin's remote branches. Introspection: no retry.
func (a *Adapter) ListRemoteBranches(dir string) ([]string, error) {
	res, err := a.run(dir, "branch", false, "branch", "-r", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// IsCleanWorktree reports whether `git status --porcelain` is empty.
// Introspection: no retry.
func (a *Adapter) IsCleanWorktree(dir string) (bool, error) {
	res, err := a.run(dir, "status", false, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "", nil
}

// Fsck runs `git fsck --full`, used by the cleaner's repair path.
// Introspection-adjacent: no retry, a corrupted repo won't heal by waiting.
func (a *Adapter) Fsck(dir string) (Result, error) {
	return a.run(dir, "fsck", false, "fsck", "--full")
}

// BareClone clones url as a bare repository, the shared backing store
// for the worktree backend. Retryable.
func (a *Adapter) BareClone(url, dest string) (Result, error) {
	log.Info("📋 Bare-cloning %s into %s", url, dest)
	return a.run("", "clone", true, "clone", "--bare", url, dest)
}

// WorktreeAdd adds a worktree at path on a new branch, based on the bare
// repo's default ref. Retryable, since it touches the network via any
// implicit fetch of the base ref in shallow setups.
func (a *Adapter) WorktreeAdd(bareDir, path, branch, baseRef string) (Result, error) {
	return a.run(bareDir, "worktree-add", true, "worktree", "add", "-b", branch, path, baseRef)
}

// WorktreeRemove removes a worktree, optionally forcing past a dirty tree.
func (a *Adapter) WorktreeRemove(bareDir, path string, force bool) (Result, error) {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	return a.run(bareDir, "worktree-remove", false, args...)
}

// BranchDelete force-deletes a local branch in the bare repo.
func (a *Adapter) BranchDelete(bareDir, name string) (Result, error) {
	return a.run(bareDir, "branch-delete", false, "branch", "-D", name)
}

// FetchAllPruneMany runs FetchAllPrune across dirs in a bounded worker
// pool, returning one result (success/failure) per input in input order.
func (a *Adapter) FetchAllPruneMany(dirs []string, maxWorkers int) []error {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if maxWorkers > len(dirs) {
		maxWorkers = len(dirs)
	}

	errs := make([]error, len(dirs))
	wp := workerpool.New(maxWorkers)

	for i, dir := range dirs {
		i, dir := i, dir
		wp.Submit(func() {
			_, err := a.FetchAllPrune(dir)
			errs[i] = err
		})
	}
	wp.StopWait()
	return errs
}
