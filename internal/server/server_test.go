package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragindex/internal/catalog"
	"ragindex/internal/domain"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeService struct {
	searchErr error
	deleteErr error

	lastPath   string
	lastPaths  []string
	lastName   string
	lastText   string
	lastMeta   map[string]string
	lastK      int
	lastRerank bool
	deleted    bool
}

func (f *fakeService) IngestDocument(_ context.Context, path string, meta map[string]string) domain.IngestionOutcome {
	f.lastPath, f.lastMeta = path, meta
	if strings.HasSuffix(path, ".docx") {
		return domain.IngestionOutcome{Path: path, Error: "unsupported file type"}
	}
	return domain.IngestionOutcome{Path: path, Success: true, ChunksCreated: 2}
}

func (f *fakeService) IngestText(_ context.Context, name, text string, meta map[string]string) domain.IngestionOutcome {
	f.lastName, f.lastText, f.lastMeta = name, text, meta
	return domain.IngestionOutcome{Path: name, Success: true, ChunksCreated: 1}
}

func (f *fakeService) IngestBatch(_ context.Context, paths []string, _ map[string]string) domain.BatchOutcome {
	f.lastPaths = paths
	return domain.BatchOutcome{Total: len(paths), Succeeded: len(paths)}
}

func (f *fakeService) Search(_ context.Context, query string, k int, rerank bool) ([]domain.RankedDocument, error) {
	f.lastK, f.lastRerank = k, rerank
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if query == "nothing" {
		return nil, nil
	}
	return []domain.RankedDocument{{
		RetrievedDocument: domain.RetrievedDocument{ChunkID: "a.txt#0", Content: "alpha", Score: 0.9},
		Rank:              1,
		RelevanceScore:    0.9,
	}}, nil
}

func (f *fakeService) CollectionStats(context.Context) domain.CollectionStats {
	return domain.CollectionStats{BackendType: "flat", Status: "active", IndexedEntries: 3}
}

func (f *fakeService) ListDocuments(_ context.Context, limit int) ([]catalog.Document, error) {
	return []catalog.Document{{Path: "a.txt", Filename: "a.txt", Chunks: limit}}, nil
}

func (f *fakeService) DeleteAllDocuments(context.Context) error {
	f.deleted = f.deleteErr == nil
	return f.deleteErr
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestHealthz(t *testing.T) {
	rec, resp := do(t, New(&fakeService{}, Options{}).Router(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, resp.Code)
}

func TestIngestDocument(t *testing.T) {
	root := t.TempDir()
	svc := &fakeService{}
	h := New(svc, Options{DocumentRoot: root}).Router()

	rec, resp := do(t, h, http.MethodPost, "/v1/documents", map[string]any{
		"path": "docs/a.txt", "metadata": map[string]string{"team": "search"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, resp.Code)
	assert.Equal(t, filepath.Join(root, "docs", "a.txt"), svc.lastPath)
	assert.Equal(t, "search", svc.lastMeta["team"])

	rec, resp = do(t, h, http.MethodPost, "/v1/documents", map[string]any{"path": "docs/a.docx"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unsupported file type", resp.Message)

	rec, _ = do(t, h, http.MethodPost, "/v1/documents", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadDocument(t *testing.T) {
	svc := &fakeService{}
	h := New(svc, Options{}).Router()

	upload := func(name, content string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		require.NoError(t, w.WriteField("author", "ana"))
		fw, err := w.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		req := httptest.NewRequest(http.MethodPost, "/v1/documents/upload", &buf)
		req.Header.Set("Content-Type", w.FormDataContentType())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := upload("notes.md", "# Notes\nhello")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "notes.md", svc.lastName)
	assert.Equal(t, "# Notes\nhello", svc.lastText)
	assert.Equal(t, "ana", svc.lastMeta["author"])

	rec = upload("scan.docx", "PK")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPathIngestionStaysInsideDocumentRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	svc := &fakeService{}
	h := New(svc, Options{DocumentRoot: root}).Router()

	for _, p := range []string{
		"../secret.txt",
		"docs/../../secret.txt",
		filepath.Join(outside, "secret.txt"),
		"escape/secret.txt",
	} {
		rec, _ := do(t, h, http.MethodPost, "/v1/documents", map[string]any{"path": p})
		assert.Equal(t, http.StatusForbidden, rec.Code, p)
	}
	assert.Empty(t, svc.lastPath)

	rec, _ := do(t, h, http.MethodPost, "/v1/documents/batch", map[string]any{"paths": []string{"ok.txt", "../secret.txt"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, svc.lastPaths)

	abs := filepath.Join(root, "nested", "b.md")
	rec, _ = do(t, h, http.MethodPost, "/v1/documents", map[string]any{"path": abs})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, abs, svc.lastPath)
}

func TestPathIngestionDisabledWithoutRoot(t *testing.T) {
	svc := &fakeService{}
	h := New(svc, Options{}).Router()

	rec, resp := do(t, h, http.MethodPost, "/v1/documents", map[string]any{"path": "a.txt"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, resp.Message, "document_root")
	rec, _ = do(t, h, http.MethodPost, "/v1/documents/batch", map[string]any{"paths": []string{"a.txt"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, svc.lastPath)
}

func TestIngestBatch(t *testing.T) {
	root := t.TempDir()
	svc := &fakeService{}
	h := New(svc, Options{DocumentRoot: root}).Router()
	rec, resp := do(t, h, http.MethodPost, "/v1/documents/batch", map[string]any{"paths": []string{"a.txt", "b.md"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{filepath.Join(root, "a.txt"), filepath.Join(root, "b.md")}, svc.lastPaths)
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(2), data["successful_ingestions"])

	rec, _ = do(t, h, http.MethodPost, "/v1/documents/batch", map[string]any{"paths": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch(t *testing.T) {
	svc := &fakeService{}
	h := New(svc, Options{}).Router()

	rec, resp := do(t, h, http.MethodPost, "/v1/search", map[string]any{"query": "alpha", "k": 3})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, svc.lastK)
	assert.False(t, svc.lastRerank, "rerank is opt-in")
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(1), data["total"])

	do(t, h, http.MethodPost, "/v1/search", map[string]any{"query": "alpha", "rerank": true})
	assert.True(t, svc.lastRerank)

	_, resp = do(t, h, http.MethodPost, "/v1/search", map[string]any{"query": "nothing", "rerank": false})
	assert.False(t, svc.lastRerank)
	data = resp.Data.(map[string]any)
	assert.Equal(t, []any{}, data["documents"])

	rec, _ = do(t, h, http.MethodPost, "/v1/search", map[string]any{"k": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("qdrant: %w", domain.ErrBackendUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: rate limited", domain.ErrEmbeddingFailure), http.StatusBadGateway},
		{fmt.Errorf("load: %w", domain.ErrCorruptIndex), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := New(&fakeService{searchErr: tt.err}, Options{}).Router()
			rec, resp := do(t, h, http.MethodPost, "/v1/search", map[string]any{"query": "q"})
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.want, resp.Code)
		})
	}
}

func TestStatsAndList(t *testing.T) {
	h := New(&fakeService{}, Options{}).Router()

	_, resp := do(t, h, http.MethodGet, "/v1/stats", nil)
	assert.Equal(t, "flat", resp.Data.(map[string]any)["backend_type"])

	_, resp = do(t, h, http.MethodGet, "/v1/documents?limit=7", nil)
	docs := resp.Data.([]any)
	require.Len(t, docs, 1)
	assert.Equal(t, float64(7), docs[0].(map[string]any)["chunks"])

	rec, _ := do(t, h, http.MethodGet, "/v1/documents?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteCollectionRequiresConfirmation(t *testing.T) {
	svc := &fakeService{}
	h := New(svc, Options{}).Router()

	rec, _ := do(t, h, http.MethodDelete, "/v1/collection", map[string]string{"confirmation": "yes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, svc.deleted)

	rec, _ = do(t, h, http.MethodDelete, "/v1/collection", map[string]string{"confirmation": DeleteConfirmation})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.deleted)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(&fakeService{}, Options{}).Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
