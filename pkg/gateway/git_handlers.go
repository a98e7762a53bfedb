package gateway

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/credgate/credgate/pkg/gitbundle"
	"github.com/credgate/credgate/pkg/logging"
)

type fetchBundleRequest struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
}

// handleFetchBundle clones the requested repository server-side and
// streams back a bundle of all its refs.
func (s *Server) handleFetchBundle(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeService(r, GitService) {
		metricGitOperations.WithLabelValues("fetch", "unauthorized").Inc()
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized: valid session with git access or auth key required"))
		return
	}

	var req fetchBundleRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, false); err != nil {
		respondError(w, status, err)
		return
	}
	if req.RepoURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("repo_url required"))
		return
	}

	bundle, err := s.runner.FetchBundle(r.Context(), req.RepoURL)
	if err != nil {
		metricGitOperations.WithLabelValues("fetch", "error").Inc()
		respondError(w, statusForError(err), err)
		return
	}
	defer bundle.Cleanup()

	f, err := os.Open(bundle.Path)
	if err != nil {
		metricGitOperations.WithLabelValues("fetch", "error").Inc()
		respondError(w, http.StatusInternalServerError, errors.New("failed to open bundle"))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+bundle.RepoName+`.bundle"`)
	if info, statErr := f.Stat(); statErr == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	if _, err := io.Copy(w, f); err != nil {
		logging.Default().Warn(logging.CategoryGit, "bundle_send_interrupted",
			"bundle transfer interrupted",
			map[string]any{"repo": req.RepoURL, "error": err.Error()})
		return
	}
	metricGitOperations.WithLabelValues("fetch", "ok").Inc()
}

// handlePushBundle receives an uploaded bundle via multipart form, applies
// it to a fresh clone, pushes the branch, and optionally opens a PR.
func (s *Server) handlePushBundle(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeService(r, GitService) {
		metricGitOperations.WithLabelValues("push", "unauthorized").Inc()
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized: valid session with git access or auth key required"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, errors.New("bundle upload too large"))
			return
		}
		respondError(w, http.StatusBadRequest, errors.New("multipart form required"))
		return
	}

	repoURL := r.FormValue("repo_url")
	branch := r.FormValue("branch")
	if repoURL == "" || branch == "" {
		respondError(w, http.StatusBadRequest, errors.New("repo_url and branch required"))
		return
	}

	upload, _, err := r.FormFile("bundle")
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("bundle file required"))
		return
	}
	defer upload.Close()

	// Persist the upload so git can fetch from it by path.
	tmp, err := os.CreateTemp("", "credgate-upload-*.bundle")
	if err != nil {
		respondError(w, http.StatusInternalServerError, errors.New("failed to store bundle"))
		return
	}
	bundlePath := tmp.Name()
	defer os.Remove(bundlePath)
	if _, err := io.Copy(tmp, upload); err != nil {
		tmp.Close()
		respondError(w, http.StatusInternalServerError, errors.New("failed to store bundle"))
		return
	}
	tmp.Close()

	createPR := strings.EqualFold(r.FormValue("create_pr"), "true")

	result, err := s.runner.PushBundle(r.Context(), gitbundle.PushRequest{
		BundlePath: bundlePath,
		RepoURL:    repoURL,
		Branch:     branch,
		CreatePR:   createPR,
		PRTitle:    r.FormValue("pr_title"),
		PRBody:     r.FormValue("pr_body"),
	})
	if err != nil {
		metricGitOperations.WithLabelValues("push", "error").Inc()
		respondError(w, statusForError(err), err)
		return
	}
	metricGitOperations.WithLabelValues("push", "ok").Inc()

	payload := map[string]any{
		"status":  "success",
		"branch":  result.Branch,
		"message": "Branch '" + result.Branch + "' pushed successfully",
	}
	if result.PRRequested {
		payload["pr_created"] = result.PRCreated
		if result.PRCreated {
			payload["pr_url"] = result.PRURL
		}
		if result.ManualPRURL != "" {
			payload["manual_pr_url"] = result.ManualPRURL
		}
		if result.PRMessage != "" {
			payload["pr_message"] = result.PRMessage
		}
		if result.PRError != "" {
			payload["pr_error"] = result.PRError
		}
	}
	respondJSON(w, payload)
}
