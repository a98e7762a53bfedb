// Package gitbundle realizes git history exchange through bundle files:
// clone→bundle on the read path and bundle→fetch→push→optional-PR on the
// write path. All work happens inside ephemeral temp directories driven by
// the external git and gh binaries; every exit path cleans up.
package gitbundle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/credgate/credgate/pkg/errors"
	"github.com/credgate/credgate/pkg/logging"
	"github.com/credgate/credgate/pkg/repourl"
)

const (
	// DefaultCloneTimeout bounds the initial clone; large repos take a
	// while over slow links.
	DefaultCloneTimeout = 300 * time.Second
	// DefaultStepTimeout bounds the remaining stages (bundle, fetch,
	// push, PR creation).
	DefaultStepTimeout = 60 * time.Second
)

// ghFallbackPaths are checked when gh is not on PATH (Homebrew installs).
var ghFallbackPaths = []string{"/opt/homebrew/bin/gh", "/usr/local/bin/gh"}

// Runner executes the bundle workflows.
type Runner struct {
	gitPath      string
	ghPath       string
	policy       repourl.Policy
	cloneTimeout time.Duration
	stepTimeout  time.Duration
}

// Options configures a Runner. Zero values take defaults; GHPath empty
// triggers auto-detection.
type Options struct {
	GitPath      string
	GHPath       string
	Policy       repourl.Policy
	CloneTimeout time.Duration
	StepTimeout  time.Duration
}

// NewRunner builds a Runner, locating git and gh. A missing gh binary is
// not an error: PR creation degrades to manual URLs.
func NewRunner(opts Options) (*Runner, error) {
	gitPath := opts.GitPath
	if gitPath == "" {
		found, err := exec.LookPath("git")
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "git binary not found on PATH")
		}
		gitPath = found
	}

	ghPath := opts.GHPath
	if ghPath == "" {
		ghPath = detectGH()
	}
	if ghPath == "" {
		logging.Default().Warn(logging.CategoryGit, "gh_missing",
			"GitHub CLI (gh) not found; PR creation will fall back to manual URLs", nil)
	} else {
		logging.Default().Info(logging.CategoryGit, "gh_found",
			"GitHub CLI located", map[string]any{"path": ghPath})
	}

	cloneTimeout := opts.CloneTimeout
	if cloneTimeout <= 0 {
		cloneTimeout = DefaultCloneTimeout
	}
	stepTimeout := opts.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}

	return &Runner{
		gitPath:      gitPath,
		ghPath:       ghPath,
		policy:       opts.Policy,
		cloneTimeout: cloneTimeout,
		stepTimeout:  stepTimeout,
	}, nil
}

func detectGH() string {
	if found, err := exec.LookPath("gh"); err == nil {
		return found
	}
	for _, candidate := range ghFallbackPaths {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate
		}
	}
	return ""
}

// HasGH reports whether a PR-creation tool is available.
func (r *Runner) HasGH() bool {
	return r.ghPath != ""
}

// Bundle is the result of FetchBundle. Cleanup removes the bundle file and
// must be called once the file has been fully sent.
type Bundle struct {
	Path     string
	RepoName string
	Cleanup  func()
}

// FetchBundle clones the repository into a temp directory and bundles all
// refs. The clone directory is removed before returning; the bundle file
// survives until the caller's Cleanup runs.
func (r *Runner) FetchBundle(ctx context.Context, repoURL string) (*Bundle, error) {
	if err := repourl.Validate(r.policy, repoURL); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "repository URL rejected").
			WithUserMessage(err.Error())
	}

	repoName := repourl.Name(repoURL)
	if repoName == "" {
		repoName = "repo"
	}

	workDir, err := os.MkdirTemp("", "credgate-fetch-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create working directory")
	}
	defer os.RemoveAll(workDir)

	repoPath := filepath.Join(workDir, repoName)

	logging.Default().Info(logging.CategoryGit, "clone",
		"cloning repository", map[string]any{"repo": repoURL})
	if err := r.runGit(ctx, r.cloneTimeout, "", errors.ErrCodeGitClone, "clone failed",
		"clone", repoURL, repoPath); err != nil {
		return nil, err
	}

	bundleFile, err := os.CreateTemp("", "credgate-*.bundle")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create bundle file")
	}
	bundlePath := bundleFile.Name()
	bundleFile.Close()

	logging.Default().Info(logging.CategoryGit, "bundle",
		"creating bundle", map[string]any{"repo": repoURL})
	if err := r.runGit(ctx, r.stepTimeout, repoPath, errors.ErrCodeGitBundle, "bundle creation failed",
		"bundle", "create", bundlePath, "--all"); err != nil {
		os.Remove(bundlePath)
		return nil, err
	}

	return &Bundle{
		Path:     bundlePath,
		RepoName: repoName,
		Cleanup:  func() { os.Remove(bundlePath) },
	}, nil
}

// PushRequest describes one push-bundle operation. BundlePath points at
// the already-persisted uploaded bundle; the caller owns its cleanup.
type PushRequest struct {
	BundlePath string
	RepoURL    string
	Branch     string
	CreatePR   bool
	PRTitle    string
	PRBody     string
}

// PushResult reports the outcome of PushBundle. The push itself succeeded
// whenever PushBundle returns nil; the PR fields describe the optional
// follow-up.
type PushResult struct {
	Branch      string
	PRRequested bool
	PRCreated   bool
	PRURL       string
	ManualPRURL string
	PRMessage   string
	PRError     string
}

// PushBundle clones the target repository, fetches the uploaded bundle's
// branch into it, pushes the branch, and optionally opens a PR. A failure
// at any clone/fetch/push stage aborts the remaining stages; PR failure
// never fails the overall operation since the push already landed.
func (r *Runner) PushBundle(ctx context.Context, req PushRequest) (*PushResult, error) {
	if err := repourl.Validate(r.policy, req.RepoURL); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "repository URL rejected").
			WithUserMessage(err.Error())
	}

	repoName := repourl.Name(req.RepoURL)
	if repoName == "" {
		repoName = "repo"
	}

	workDir, err := os.MkdirTemp("", "credgate-push-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create working directory")
	}
	defer os.RemoveAll(workDir)

	repoPath := filepath.Join(workDir, repoName)

	logging.Default().Info(logging.CategoryGit, "clone",
		"cloning repository", map[string]any{"repo": req.RepoURL, "branch": req.Branch})
	if err := r.runGit(ctx, r.cloneTimeout, "", errors.ErrCodeGitClone, "clone failed",
		"clone", req.RepoURL, repoPath); err != nil {
		return nil, err
	}

	logging.Default().Info(logging.CategoryGit, "fetch_bundle",
		"fetching bundle ref", map[string]any{"branch": req.Branch})
	if err := r.runGit(ctx, r.stepTimeout, repoPath, errors.ErrCodeGitFetch, "bundle fetch failed",
		"fetch", req.BundlePath, req.Branch+":"+req.Branch); err != nil {
		return nil, err
	}

	logging.Default().Info(logging.CategoryGit, "push",
		"pushing branch", map[string]any{"branch": req.Branch})
	if err := r.runGit(ctx, r.stepTimeout, repoPath, errors.ErrCodeGitPush, "push failed",
		"push", "origin", req.Branch); err != nil {
		return nil, err
	}

	result := &PushResult{
		Branch:      req.Branch,
		PRRequested: req.CreatePR,
	}

	if req.CreatePR {
		r.createPR(ctx, repoPath, req, result)
	}

	return result, nil
}

// createPR attempts gh pr create and fills the PR fields of result. All
// failures degrade to a manual PR URL so the caller always has a next
// step.
func (r *Runner) createPR(ctx context.Context, repoPath string, req PushRequest, result *PushResult) {
	manualURL := manualPRURL(req.RepoURL, req.Branch)

	if r.ghPath == "" {
		logging.Default().Warn(logging.CategoryGit, "pr_skipped",
			"PR requested but gh CLI not available", nil)
		result.ManualPRURL = manualURL
		result.PRMessage = "GitHub CLI not available on server. Create PR manually at: " + manualURL
		return
	}

	title := req.PRTitle
	if title == "" {
		title = "Changes from " + req.Branch
	}
	body := req.PRBody
	if body == "" {
		body = "Automated PR from credential gateway"
	}

	stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()

	cmd := exec.CommandContext(stepCtx, r.ghPath, "pr", "create",
		"--title", title, "--body", body, "--head", req.Branch)
	cmd.Dir = repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		logging.Default().Warn(logging.CategoryGit, "pr_failed",
			"PR creation failed", map[string]any{"error": stderr.String()})
		result.PRError = strings.TrimSpace(stderr.String())
		result.ManualPRURL = manualURL
		result.PRMessage = "PR creation failed. Create manually at: " + manualURL
		return
	}

	// gh pr create prints the new PR's URL.
	result.PRCreated = true
	result.PRURL = strings.TrimSpace(stdout.String())
	logging.Default().Info(logging.CategoryGit, "pr_created",
		"pull request created", map[string]any{"url": result.PRURL})
}

func manualPRURL(repoURL, branch string) string {
	owner, repo := repourl.OwnerRepo(repoURL)
	if owner == "" || repo == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/%s/pull/new/%s", owner, repo, branch)
}

// runGit executes one git stage with its own timeout, mapping a timeout to
// GIT_TIMEOUT and any other failure to the stage's error code with the
// command's stderr attached.
func (r *Runner) runGit(ctx context.Context, timeout time.Duration, dir string, code errors.ErrorCode, message string, args ...string) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(stepCtx, r.gitPath, args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()

	if stepCtx.Err() == context.DeadlineExceeded {
		return errors.New(errors.ErrCodeGitTimeout, "git operation timed out").
			WithContext("operation", args[0]).
			WithUserMessage("operation timeout")
	}

	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		logging.Default().Error(logging.CategoryGit, "git_failed",
			message, map[string]any{"operation": args[0], "stderr": detail})
		return errors.Wrap(err, code, message).
			WithContext("operation", args[0]).
			WithUserMessage(fmt.Sprintf("%s: %s", message, detail))
	}

	return nil
}
