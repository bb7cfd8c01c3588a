package httpapi

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yokuradaisuke/backlog-migration/pkg/config"
	"github.com/yokuradaisuke/backlog-migration/pkg/migration"
	"github.com/yokuradaisuke/backlog-migration/pkg/supervise"
)

func newTestServer(t *testing.T) (*Server, config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.BinDir = t.TempDir()
	cfg.ToolPath = filepath.Join(cfg.BinDir, "backlog-migration")
	cfg.HelperScript = filepath.Join(cfg.BinDir, "fetch_users.sh")
	orch := migration.New(cfg, supervise.New(nil), nil)
	return NewServer(cfg, orch, nil), cfg
}

func installTool(t *testing.T, cfg config.Config, body string) {
	t.Helper()
	content := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(cfg.ToolPath, []byte(content), 0o755))
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func validInitParams() map[string]any {
	return map[string]any{
		"srcKey": "sk", "srcUrl": "https://src.example.com",
		"dstKey": "dk", "dstUrl": "https://dst.example.com",
		"projectKey": "SRC:DST",
	}
}

func validStartParams() map[string]any {
	return map[string]any{
		"srcApiKey": "sk", "srcSpaceUrl": "https://src.example.com",
		"dstApiKey": "dk", "dstSpaceUrl": "https://dst.example.com",
		"srcProjectKey": "SRC", "dstProjectKey": "DST",
	}
}

func TestInit_MissingField(t *testing.T) {
	s, _ := newTestServer(t)
	body := validInitParams()
	delete(body, "projectKey")

	w := postJSON(t, s.Handler(), "/api/migration/init", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "projectKey")
}

func TestInit_ToolMissing(t *testing.T) {
	s, _ := newTestServer(t)
	w := postJSON(t, s.Handler(), "/api/migration/init", validInitParams())
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestInit_Success(t *testing.T) {
	s, cfg := newTestServer(t)
	installTool(t, cfg, `
mkdir -p mapping
echo "Source Backlog user id" > mapping/users.csv
echo "マッピングファイルを作成しました"`)

	w := postJSON(t, s.Handler(), "/api/migration/init", validInitParams())
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success        bool              `json:"success"`
		Output         string            `json:"output"`
		FilesGenerated map[string]bool   `json:"filesGenerated"`
		DownloadURLs   map[string]string `json:"downloadUrls"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.True(t, resp.FilesGenerated["usersFile"])
	require.False(t, resp.FilesGenerated["usersListFile"])
	require.NotEmpty(t, resp.DownloadURLs["users"])
	require.Contains(t, resp.Output, "マッピングファイルを作成しました")
}

func TestUpdateMapping_Validation(t *testing.T) {
	s, _ := newTestServer(t)
	w := postJSON(t, s.Handler(), "/api/migration/update-mapping",
		map[string]any{"destinationUsers": []any{}})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateMapping_MappingMissing(t *testing.T) {
	s, _ := newTestServer(t)
	w := postJSON(t, s.Handler(), "/api/migration/update-mapping", map[string]any{
		"destinationUsers": []map[string]string{{"userId": "D1", "mailAddress": "a@x.com"}},
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateMapping_Success(t *testing.T) {
	s, cfg := newTestServer(t)
	require.NoError(t, cfg.EnsureDirs())
	f, err := os.Create(cfg.UsersCSV())
	require.NoError(t, err)
	cw := csv.NewWriter(f)
	require.NoError(t, cw.WriteAll([][]string{
		{"Source Backlog user id", "Source Backlog user display name",
			"Source Backlog user email", "Destination Backlog user name"},
		{"S1", "Alice", "a@x.com", ""},
	}))
	require.NoError(t, f.Close())

	w := postJSON(t, s.Handler(), "/api/migration/update-mapping", map[string]any{
		"destinationUsers": []map[string]string{{"userId": "D1", "mailAddress": "a@x.com"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success          bool   `json:"success"`
		Message          string `json:"message"`
		TotalRecords     int    `json:"totalRecords"`
		UpdatedRecords   int    `json:"updatedRecords"`
		UnmatchedRecords int    `json:"unmatchedRecords"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Message)
	require.Equal(t, 1, resp.TotalRecords)
	require.Equal(t, 1, resp.UpdatedRecords)
	require.Equal(t, 0, resp.UnmatchedRecords)
}

func TestLogs_ReturnsStatus(t *testing.T) {
	s, cfg := newTestServer(t)
	require.NoError(t, cfg.EnsureDirs())
	require.NoError(t, os.WriteFile(cfg.ExecLogFile(),
		[]byte("インポートが完了しました\n"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/api/migration/logs", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string `json:"status"`
		Logs   []any  `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "completed", resp.Status)
	require.NotEmpty(t, resp.Logs)
}

func TestDownload(t *testing.T) {
	s, cfg := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/migration/download/users", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, cfg.EnsureDirs())
	require.NoError(t, os.WriteFile(cfg.UsersCSV(), []byte("id,name\n"), 0o644))

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Disposition"), "users.csv")
	require.Equal(t, "id,name\n", w.Body.String())
}

func TestUpload(t *testing.T) {
	s, cfg := newTestServer(t)

	makeUpload := func(name, content string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/migration/upload/users", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		return w
	}

	w := makeUpload("users.txt", "nope")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = makeUpload("users.csv", "id,name\nS1,Alice\n")
	require.Equal(t, http.StatusOK, w.Code)

	data, err := os.ReadFile(cfg.UsersCSV())
	require.NoError(t, err)
	require.Equal(t, "id,name\nS1,Alice\n", string(data))
}

func TestStart_AcceptsWireFieldNames(t *testing.T) {
	s, cfg := newTestServer(t)
	installTool(t, cfg, `echo "エクスポートを開始します"; exit 0`)

	body := validStartParams()
	body["fitIssueKey"] = true
	body["excludeWiki"] = false
	body["excludeIssue"] = false
	body["retryCount"] = 3
	w := postJSON(t, s.Handler(), "/api/migration/start", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool `json:"success"`
		PID     int  `json:"pid"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Greater(t, resp.PID, 0)
}

func TestStart_MissingProjectKey(t *testing.T) {
	s, _ := newTestServer(t)
	body := validStartParams()
	delete(body, "dstProjectKey")

	w := postJSON(t, s.Handler(), "/api/migration/start", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "dstProjectKey")
}

func TestFetchUsers_AcceptsWireFieldNames(t *testing.T) {
	s, cfg := newTestServer(t)
	script := "#!/bin/sh\n" +
		`echo "===JSON_START==="` + "\n" +
		`echo '[{"userId":"D1","name":"Alice","mailAddress":"a@x.com"}]'` + "\n" +
		`echo "===JSON_END==="` + "\n"
	require.NoError(t, os.WriteFile(cfg.HelperScript, []byte(script), 0o755))

	w := postJSON(t, s.Handler(), "/api/migration/fetch-destination-users", map[string]any{
		"dstApiKey": "dk", "dstSpaceUrl": "https://dst.example.com", "dstProjectKey": "DST",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Users   []struct {
			UserID string `json:"userId"`
		} `json:"users"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Len(t, resp.Users, 1)
	require.Equal(t, "D1", resp.Users[0].UserID)
	require.Contains(t, resp.Message, "1")
}

func TestExecute_StreamsEvents(t *testing.T) {
	s, cfg := newTestServer(t)
	installTool(t, cfg, `echo "エクスポートを開始します"; exit 0`)

	w := postJSON(t, s.Handler(), "/api/migration/execute", validStartParams())
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	body := w.Body.String()
	require.Contains(t, body, "data: ")
	require.Contains(t, body, `"type":"complete"`)
	require.Contains(t, body, `"success":true`)
}

func TestExecute_ToolMissingGetsStatusCode(t *testing.T) {
	s, _ := newTestServer(t)
	w := postJSON(t, s.Handler(), "/api/migration/execute", validStartParams())
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "ok"))
}
