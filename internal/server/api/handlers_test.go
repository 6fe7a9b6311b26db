package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"hardwire/internal/server/config"
	"hardwire/internal/server/database"
	"hardwire/internal/server/indexer"
	"hardwire/internal/server/progress"
	"hardwire/internal/server/service"
	"hardwire/internal/server/task"
)

// Test helpers

type testServer struct {
	e        *echo.Echo
	cfg      *config.Config
	repo     *database.Repository
	shares   *service.Shares
	auth     *Auth
	bus      *progress.Bus
	dataRoot string
}

func newTestServer(t *testing.T, rpm int) *testServer {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.sqlite"), database.Options{
		MaxConnections: 4,
		AcquireTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.RunMigrations(context.Background()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	dataRoot := t.TempDir()
	cfg := &config.Config{
		Host:             "http://localhost:8080",
		Port:             "8080",
		MaxFileSize:      10 << 20,
		MaxFilesPerShare: 10,
		RateLimitRPM:     rpm,
		JWTSecret:        strings.Repeat("k", 32),
		JWTExpiry:        time.Hour,
	}

	repo := database.NewRepository(db)
	bus := progress.NewBus(progress.DefaultBufferSize)
	shares := service.NewShares(repo, cfg, dataRoot)
	downloads := service.NewDownloads(repo, bus)
	tasks := task.NewManager(repo, dataRoot)
	auth := NewAuth(cfg, repo)

	idx := indexer.New(dataRoot, time.Hour, nil)
	idxCtx, idxCancel := context.WithCancel(context.Background())
	idx.Start(idxCtx)
	t.Cleanup(func() {
		idxCancel()
		idx.Wait()
	})

	handler := NewHandler(cfg, db, repo, shares, downloads, tasks, idx, bus, auth, nil)
	return &testServer{
		e:        SetupRouter(handler, cfg),
		cfg:      cfg,
		repo:     repo,
		shares:   shares,
		auth:     auth,
		bus:      bus,
		dataRoot: dataRoot,
	}
}

func (ts *testServer) request(t *testing.T, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) shareFile(t *testing.T, name string, content []byte) (shareID, fileRef string) {
	t.Helper()

	path := filepath.Join(ts.dataRoot, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	result, err := ts.shares.Create(context.Background(), []string{name}, nil)
	if err != nil {
		t.Fatalf("create share failed: %v", err)
	}
	_, files, err := ts.shares.Resolve(context.Background(), result.ID)
	if err != nil {
		t.Fatalf("resolve share failed: %v", err)
	}
	return result.ID, files[0].Ref
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()

	user, err := ts.repo.CreateAdminUser(context.Background(), "admin@example.com", "google-1", time.Now().Unix())
	if err != nil {
		t.Fatalf("create admin failed: %v", err)
	}
	token, err := ts.auth.MintToken(user)
	if err != nil {
		t.Fatalf("mint token failed: %v", err)
	}
	return token
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (code string) {
	t.Helper()

	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not the JSON envelope: %v (%s)", err, rec.Body.String())
	}
	if body.Error == "" || body.Code == "" {
		t.Fatalf("error envelope missing fields: %s", rec.Body.String())
	}
	return body.Code
}

// Tests

func TestHealthcheck(t *testing.T) {
	ts := newTestServer(t, 1000)

	rec := ts.request(t, http.MethodGet, "/healthcheck", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestSharePage(t *testing.T) {
	ts := newTestServer(t, 1000)
	shareID, fileRef := ts.shareFile(t, "report.pdf", []byte("pdf-bytes"))

	t.Run("lists the file with its ref link", func(t *testing.T) {
		rec := ts.request(t, http.MethodGet, "/s/"+shareID, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := rec.Body.String()
		if !strings.Contains(body, "report.pdf") {
			t.Error("expected file name on the page")
		}
		if !strings.Contains(body, fileRef) {
			t.Error("expected file ref link on the page")
		}
		if strings.Contains(body, ts.dataRoot) {
			t.Error("page must not leak filesystem paths")
		}
	})

	t.Run("unknown share is 404", func(t *testing.T) {
		rec := ts.request(t, http.MethodGet, "/s/doesnotexist", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		if code := decodeError(t, rec); code != "SHARE_NOT_FOUND" {
			t.Errorf("unexpected code %s", code)
		}
	})
}

func TestFileDownload(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 100) // 1000 bytes

	t.Run("full download completes the transaction", func(t *testing.T) {
		ts := newTestServer(t, 1000)
		shareID, fileRef := ts.shareFile(t, "data.bin", content)

		rec := ts.request(t, http.MethodGet, "/s/"+shareID+"/"+fileRef, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if !bytes.Equal(rec.Body.Bytes(), content) {
			t.Error("body mismatch")
		}
		if rec.Header().Get("Content-Length") != "1000" {
			t.Errorf("unexpected content length %s", rec.Header().Get("Content-Length"))
		}
		if rec.Header().Get("Accept-Ranges") != "bytes" {
			t.Error("expected Accept-Ranges: bytes")
		}

		txID := rec.Header().Get("X-Transaction-Id")
		if txID == "" {
			t.Fatal("expected transaction id header")
		}
		row, err := ts.repo.GetDownload(context.Background(), txID)
		if err != nil {
			t.Fatalf("get download failed: %v", err)
		}
		if row.Status != database.DownloadCompleted {
			t.Errorf("expected completed, got %s", row.Status)
		}
		if row.FinishedAt == nil {
			t.Error("expected finished_at to be set")
		}
	})

	t.Run("range continuation shares one transaction", func(t *testing.T) {
		ts := newTestServer(t, 1000)
		shareID, fileRef := ts.shareFile(t, "data.bin", content)
		target := "/s/" + shareID + "/" + fileRef

		first := ts.request(t, http.MethodGet, target, nil, map[string]string{
			"Range":            "bytes=0-499",
			"X-Transaction-Id": "tx-resume",
		})
		if first.Code != http.StatusPartialContent {
			t.Fatalf("expected 206, got %d", first.Code)
		}
		if first.Body.Len() != 500 {
			t.Errorf("expected 500 bytes, got %d", first.Body.Len())
		}
		if first.Header().Get("Content-Range") != "bytes 0-499/1000" {
			t.Errorf("unexpected content range %s", first.Header().Get("Content-Range"))
		}
		if first.Header().Get("X-Transaction-Id") != "tx-resume" {
			t.Error("expected submitted transaction id to be echoed")
		}

		second := ts.request(t, http.MethodGet, target, nil, map[string]string{
			"Range":            "bytes=500-999",
			"X-Transaction-Id": "tx-resume",
		})
		if second.Code != http.StatusPartialContent {
			t.Fatalf("expected 206, got %d", second.Code)
		}
		if !bytes.Equal(second.Body.Bytes(), content[500:]) {
			t.Error("second half mismatch")
		}

		rows, err := ts.repo.RecentDownloads(context.Background(), 10, 0)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("expected one transaction row, got %d", len(rows))
		}
		if rows[0].Status != database.DownloadCompleted {
			t.Errorf("expected completed, got %s", rows[0].Status)
		}
	})

	t.Run("unsatisfiable range is 416 with content range", func(t *testing.T) {
		ts := newTestServer(t, 1000)
		shareID, fileRef := ts.shareFile(t, "data.bin", content)

		rec := ts.request(t, http.MethodGet, "/s/"+shareID+"/"+fileRef, nil, map[string]string{
			"Range": "bytes=1000-1000",
		})
		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Fatalf("expected 416, got %d", rec.Code)
		}
		if rec.Header().Get("Content-Range") != "bytes */1000" {
			t.Errorf("unexpected content range %s", rec.Header().Get("Content-Range"))
		}
	})

	t.Run("head returns headers without a transaction", func(t *testing.T) {
		ts := newTestServer(t, 1000)
		shareID, fileRef := ts.shareFile(t, "data.bin", content)

		rec := ts.request(t, http.MethodHead, "/s/"+shareID+"/"+fileRef, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if rec.Header().Get("Content-Length") != "1000" {
			t.Errorf("unexpected content length %s", rec.Header().Get("Content-Length"))
		}
		if rec.Body.Len() != 0 {
			t.Errorf("expected empty body, got %d bytes", rec.Body.Len())
		}

		rows, err := ts.repo.RecentDownloads(context.Background(), 10, 0)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("HEAD must not create a transaction, got %d rows", len(rows))
		}
	})

	t.Run("expired share is 410", func(t *testing.T) {
		ts := newTestServer(t, 1000)
		path := filepath.Join(ts.dataRoot, "old.txt")
		if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		past := time.Now().Add(-time.Hour).Unix()
		result, err := ts.shares.Create(context.Background(), []string{"old.txt"}, &past)
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}

		rec := ts.request(t, http.MethodGet, "/s/"+result.ID, nil, nil)
		if rec.Code != http.StatusGone {
			t.Fatalf("expected 410, got %d", rec.Code)
		}
		if code := decodeError(t, rec); code != "SHARE_EXPIRED" {
			t.Errorf("unexpected code %s", code)
		}
	})

	t.Run("vanished file is 404", func(t *testing.T) {
		ts := newTestServer(t, 1000)
		shareID, fileRef := ts.shareFile(t, "gone.txt", []byte("bye"))
		if err := os.Remove(filepath.Join(ts.dataRoot, "gone.txt")); err != nil {
			t.Fatalf("remove failed: %v", err)
		}

		rec := ts.request(t, http.MethodGet, "/s/"+shareID+"/"+fileRef, nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, 2)
	shareID, _ := ts.shareFile(t, "limited.txt", []byte("x"))

	var limited bool
	for i := 0; i < 5; i++ {
		rec := ts.request(t, http.MethodGet, "/s/"+shareID, nil, nil)
		if rec.Code == http.StatusTooManyRequests {
			if code := decodeError(t, rec); code != "RATE_LIMIT" {
				t.Errorf("unexpected code %s", code)
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected a 429 after exceeding the per-IP budget")
	}
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t, 1000)

	t.Run("missing token is 401", func(t *testing.T) {
		rec := ts.request(t, http.MethodGet, "/admin/api/list_files", nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if code := decodeError(t, rec); code != "AUTH_MISSING" {
			t.Errorf("unexpected code %s", code)
		}
	})

	t.Run("garbage token is 401", func(t *testing.T) {
		rec := ts.request(t, http.MethodGet, "/admin/api/list_files", nil, map[string]string{
			"Authorization": "Bearer not-a-jwt",
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("token for a deleted user is 403", func(t *testing.T) {
		token := ts.adminToken(t)
		users, err := ts.repo.ListAdminUsers(context.Background())
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if err := ts.repo.DeleteAdminUser(context.Background(), users[0].ID); err != nil {
			t.Fatalf("delete failed: %v", err)
		}

		rec := ts.request(t, http.MethodGet, "/admin/api/list_files", nil, map[string]string{
			"Authorization": "Bearer " + token,
		})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("valid token reaches the handler", func(t *testing.T) {
		token := ts.adminToken(t)
		rec := ts.request(t, http.MethodGet, "/admin/api/list_files", nil, map[string]string{
			"Authorization": "Bearer " + token,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
		}
	})
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t, 1000)
	token := ts.adminToken(t)
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	t.Run("create shared link", func(t *testing.T) {
		path := filepath.Join(ts.dataRoot, "shared.txt")
		if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}

		body := []byte(`{"file_paths": ["shared.txt"]}`)
		rec := ts.request(t, http.MethodPost, "/admin/api/create_shared_link", body, authHeader)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
		}

		var result struct {
			ID        string `json:"id"`
			URL       string `json:"url"`
			ExpiresAt *int64 `json:"expires_at"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if result.URL != fmt.Sprintf("%s/s/%s", ts.cfg.Host, result.ID) {
			t.Errorf("unexpected url %s", result.URL)
		}
	})

	t.Run("create task validates the payload", func(t *testing.T) {
		body := []byte(`{"type": "CreateArchive", "data": {"output_path": "bundle"}}`)
		rec := ts.request(t, http.MethodPost, "/admin/api/tasks", body, authHeader)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
		}
	})

	t.Run("create and poll task", func(t *testing.T) {
		body := []byte(`{"type": "CreateArchive", "data": {"files": ["a.txt"], "output_path": "bundle"}}`)
		rec := ts.request(t, http.MethodPost, "/admin/api/tasks", body, authHeader)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
		}

		var created struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		// The worker loop is not running in this test; the row stays Pending.
		poll := ts.request(t, http.MethodGet, "/admin/api/tasks/"+created.TaskID, nil, authHeader)
		if poll.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", poll.Code)
		}
		var view struct {
			Status   string `json:"status"`
			Progress int    `json:"progress"`
		}
		if err := json.Unmarshal(poll.Body.Bytes(), &view); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if view.Status != database.TaskPending {
			t.Errorf("expected Pending, got %s", view.Status)
		}
	})

	t.Run("stats endpoints return JSON", func(t *testing.T) {
		for _, target := range []string{
			"/admin/api/stats/downloads",
			"/admin/api/stats/downloads/by_period?period=day&limit=5",
			"/admin/api/stats/downloads/recent?limit=5",
			"/admin/api/stats/downloads/status",
		} {
			rec := ts.request(t, http.MethodGet, target, nil, authHeader)
			if rec.Code != http.StatusOK {
				t.Errorf("%s: expected 200, got %d (%s)", target, rec.Code, rec.Body.String())
			}
		}
	})

	t.Run("user management", func(t *testing.T) {
		rec := ts.request(t, http.MethodPost, "/admin/api/users", []byte(`{"email": "new@example.com"}`), authHeader)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
		}
		var user struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		get := ts.request(t, http.MethodGet, fmt.Sprintf("/admin/api/users/%d", user.ID), nil, authHeader)
		if get.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", get.Code)
		}

		del := ts.request(t, http.MethodDelete, fmt.Sprintf("/admin/api/users/%d", user.ID), nil, authHeader)
		if del.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", del.Code)
		}

		gone := ts.request(t, http.MethodGet, fmt.Sprintf("/admin/api/users/%d", user.ID), nil, authHeader)
		if gone.Code != http.StatusNotFound {
			t.Fatalf("expected 404 after delete, got %d", gone.Code)
		}
	})

	t.Run("self deletion is rejected", func(t *testing.T) {
		users, err := ts.repo.ListAdminUsers(context.Background())
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		var selfID int64
		for _, u := range users {
			if u.Email == "admin@example.com" {
				selfID = u.ID
			}
		}

		rec := ts.request(t, http.MethodDelete, fmt.Sprintf("/admin/api/users/%d", selfID), nil, authHeader)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestLiveUpdate(t *testing.T) {
	ts := newTestServer(t, 600)
	srv := httptest.NewServer(ts.e)
	t.Cleanup(srv.Close)
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("missing token is rejected", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsBase+"/admin/live_update", nil)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 handshake response, got %+v", resp)
		}
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsBase+"/admin/live_update?token=not-a-jwt", nil)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 handshake response, got %+v", resp)
		}
	})

	t.Run("download progress frames", func(t *testing.T) {
		token := ts.adminToken(t)
		content := bytes.Repeat([]byte("x"), 200*1024)
		shareID, fileRef := ts.shareFile(t, "big.bin", content)

		conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/admin/live_update?token="+token, nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer conn.Close()

		// The handler subscribes after the handshake; wait for it before
		// driving the download so no frame is missed.
		deadline := time.Now().Add(5 * time.Second)
		for ts.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if ts.bus.SubscriberCount() == 0 {
			t.Fatal("subscriber never registered")
		}

		resp, err := http.Get(srv.URL + "/s/" + shareID + "/" + fileRef)
		if err != nil {
			t.Fatalf("download failed: %v", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil || len(body) != len(content) {
			t.Fatalf("expected %d body bytes, got %d (err %v)", len(content), len(body), err)
		}

		type frame struct {
			Event         string `json:"event"`
			TransactionID string `json:"transaction_id"`
			ReadBytes     int64  `json:"read_bytes"`
			TotalBytes    int64  `json:"total_bytes"`
		}
		var frames []frame
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				t.Fatalf("read frame %d failed: %v", len(frames), err)
			}
			frames = append(frames, f)
			if len(frames) >= 2 && f.ReadBytes == f.TotalBytes {
				break
			}
		}

		if len(frames) < 2 {
			t.Fatalf("expected at least 2 frames, got %d", len(frames))
		}
		var prev int64
		for i, f := range frames {
			if f.Event != "download_progress" {
				t.Errorf("frame %d: unexpected event %q", i, f.Event)
			}
			if f.TransactionID != frames[0].TransactionID {
				t.Errorf("frame %d: transaction id changed", i)
			}
			if f.TotalBytes != int64(len(content)) {
				t.Errorf("frame %d: expected total %d, got %d", i, len(content), f.TotalBytes)
			}
			if f.ReadBytes < prev {
				t.Errorf("frame %d: read bytes went backwards (%d after %d)", i, f.ReadBytes, prev)
			}
			prev = f.ReadBytes
		}
		if last := frames[len(frames)-1]; last.ReadBytes != last.TotalBytes {
			t.Errorf("expected final frame to cover the body, got %d of %d", last.ReadBytes, last.TotalBytes)
		}
	})
}
