package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/yokuradaisuke/backlog-migration/pkg/migration"
	"github.com/yokuradaisuke/backlog-migration/pkg/supervise"
)

// maxUploadSize bounds the mapping CSV upload. The tool's mapping files
// are small; anything larger is a mistake.
const maxUploadSize = 10 << 20

// initRequest is the body of the init route.
type initRequest struct {
	SrcKey     string `json:"srcKey"`
	SrcURL     string `json:"srcUrl"`
	DstKey     string `json:"dstKey"`
	DstURL     string `json:"dstUrl"`
	ProjectKey string `json:"projectKey"`
}

func (p initRequest) validate() error {
	switch {
	case p.SrcKey == "":
		return errors.New("srcKey is required")
	case p.SrcURL == "":
		return errors.New("srcUrl is required")
	case p.DstKey == "":
		return errors.New("dstKey is required")
	case p.DstURL == "":
		return errors.New("dstUrl is required")
	case p.ProjectKey == "":
		return errors.New("projectKey is required")
	}
	return nil
}

func (p initRequest) params() migration.Params {
	return migration.Params{
		SrcKey:     p.SrcKey,
		SrcURL:     p.SrcURL,
		DstKey:     p.DstKey,
		DstURL:     p.DstURL,
		ProjectKey: p.ProjectKey,
	}
}

// startRequest is the shared body of the start and execute routes. The
// project keys arrive separately and are joined into the SRC:DST pair
// the tool expects.
type startRequest struct {
	SrcAPIKey     string `json:"srcApiKey"`
	SrcSpaceURL   string `json:"srcSpaceUrl"`
	DstAPIKey     string `json:"dstApiKey"`
	DstSpaceURL   string `json:"dstSpaceUrl"`
	SrcProjectKey string `json:"srcProjectKey"`
	DstProjectKey string `json:"dstProjectKey"`
	FitIssueKey   bool   `json:"fitIssueKey"`
	ExcludeWiki   bool   `json:"excludeWiki"`
	ExcludeIssue  bool   `json:"excludeIssue"`
	RetryCount    int    `json:"retryCount"`
}

func (p startRequest) validate() error {
	switch {
	case p.SrcAPIKey == "":
		return errors.New("srcApiKey is required")
	case p.SrcSpaceURL == "":
		return errors.New("srcSpaceUrl is required")
	case p.DstAPIKey == "":
		return errors.New("dstApiKey is required")
	case p.DstSpaceURL == "":
		return errors.New("dstSpaceUrl is required")
	case p.SrcProjectKey == "":
		return errors.New("srcProjectKey is required")
	case p.DstProjectKey == "":
		return errors.New("dstProjectKey is required")
	}
	return nil
}

func (p startRequest) params() migration.Params {
	return migration.Params{
		SrcKey:       p.SrcAPIKey,
		SrcURL:       p.SrcSpaceURL,
		DstKey:       p.DstAPIKey,
		DstURL:       p.DstSpaceURL,
		ProjectKey:   p.SrcProjectKey + ":" + p.DstProjectKey,
		FitIssueKey:  p.FitIssueKey,
		ExcludeWiki:  p.ExcludeWiki,
		ExcludeIssue: p.ExcludeIssue,
		RetryCount:   p.RetryCount,
	}
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.orch.Init(r.Context(), req.params())
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{
			"success": false,
			"error":   err.Error(),
			"output":  res.Output,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"output":       res.Output,
		"detailedLogs": res.DetailedLogs,
		"filesGenerated": map[string]bool{
			"usersFile":     res.UsersFile,
			"usersListFile": res.UsersListFile,
		},
		"downloadUrls": map[string]string{
			"users":     "/api/migration/download/users",
			"usersList": "/api/migration/download/users_list",
		},
	})
}

func (s *Server) handleFetchUsers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DstAPIKey     string `json:"dstApiKey"`
		DstSpaceURL   string `json:"dstSpaceUrl"`
		DstProjectKey string `json:"dstProjectKey"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DstAPIKey == "" || req.DstSpaceURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("dstApiKey and dstSpaceUrl are required"))
		return
	}

	users, raw, err := s.orch.FetchDestinationUsers(r.Context(), req.DstAPIKey, req.DstSpaceURL, req.DstProjectKey)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{
			"success":   false,
			"error":     err.Error(),
			"rawOutput": raw,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"users":   users,
		"message": fmt.Sprintf("%d人のユーザーを取得しました", len(users)),
	})
}

func (s *Server) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DestinationUsers []migration.DestinationUser `json:"destinationUsers"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.DestinationUsers) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("destinationUsers is required"))
		return
	}

	res, err := migration.UpdateMapping(s.cfg.UsersCSV(), req.DestinationUsers)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"message":          fmt.Sprintf("%d件中%d件のマッピングを更新しました", res.Total, res.Updated),
		"totalRecords":     res.Total,
		"updatedRecords":   res.Updated,
		"unmatchedRecords": res.Unmatched,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// The run outlives this request; do not tie it to the request context.
	pid, err := s.orch.Start(context.WithoutCancel(r.Context()), req.params())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"pid":     pid,
		"message": "移行処理を開始しました",
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.PollLogs(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDownload(path, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := os.Open(path)
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("%s not found", name))
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		io.Copy(w, f)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("file is required"))
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		writeError(w, http.StatusBadRequest, errors.New("only .csv files are accepted"))
		return
	}

	if err := s.cfg.EnsureDirs(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	dst, err := os.Create(s.cfg.UsersCSV())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer dst.Close()
	if _, err := io.Copy(dst, io.LimitReader(file, maxUploadSize)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("mapping file uploaded", "name", header.Filename, "size", header.Size)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "マッピングファイルをアップロードしました",
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, migration.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, supervise.ErrToolNotFound),
		errors.Is(err, migration.ErrMappingNotFound),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, supervise.ErrTimeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON tolerates unknown fields; clients send extra UI state and
// the contract is enforced by per-route validation instead.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}
