package growlog

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadFile(t *testing.T) {
	var gotField, gotName, gotContent, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		gotField = "file"
		gotName = header.Filename
		gotType = header.Header.Get("Content-Type")
		buf, err := io.ReadAll(file)
		require.NoError(t, err)
		gotContent = string(buf)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"photo-1"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "canopy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"week":6}`), 0o600))

	client, _ := newTestClient(t, srv)

	var done, total int64
	resp, err := client.UploadFile(context.Background(), "/api/v1/plants/p1/photos", path, &RequestOptions{
		OnProgress: func(d, tot int64) { done, total = d, tot },
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Equal(t, "file", gotField)
	assert.Equal(t, "canopy.json", gotName)
	assert.Equal(t, `{"week":6}`, gotContent)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, done, total)
	assert.Equal(t, int64(len(`{"week":6}`)), done)
}

func TestUploadFileFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "x.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))

	t.Run("missing file", func(t *testing.T) {
		client, _ := newTestClient(t, srv)
		_, err := client.UploadFile(context.Background(), "/up", filepath.Join(dir, "absent"), nil)
		assert.Equal(t, KindStorage, KindOf(err))
	})

	t.Run("offline fails fast", func(t *testing.T) {
		client, _ := newTestClient(t, srv)
		client.Connectivity().SetState(Offline)
		_, err := client.UploadFile(context.Background(), "/up", path, nil)
		assert.Equal(t, KindNoConnection, KindOf(err))
	})

	t.Run("error status is classified", func(t *testing.T) {
		client, _ := newTestClient(t, srv)
		_, err := client.UploadFile(context.Background(), "/up", path, nil)
		assert.Equal(t, KindAuthorization, KindOf(err))
	})
}

func TestDownloadFile(t *testing.T) {
	payload := make([]byte, 200*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	t.Run("streams to disk with progress", func(t *testing.T) {
		client, _ := newTestClient(t, srv)
		dest := filepath.Join(t.TempDir(), "export.bin")

		var lastDone, lastTotal int64
		resp, err := client.DownloadFile(context.Background(), "/export", dest, &RequestOptions{
			OnProgress: func(done, total int64) { lastDone, lastTotal = done, total },
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, payload, data)
		assert.Equal(t, int64(len(payload)), lastDone)
		assert.Equal(t, int64(len(payload)), lastTotal)
	})

	t.Run("error status leaves no file behind", func(t *testing.T) {
		client, _ := newTestClient(t, srv)
		dest := filepath.Join(t.TempDir(), "missing.bin")

		_, err := client.DownloadFile(context.Background(), "/missing", dest, nil)
		assert.Equal(t, KindNotFound, KindOf(err))
		_, statErr := os.Stat(dest)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("offline fails fast", func(t *testing.T) {
		client, _ := newTestClient(t, srv)
		client.Connectivity().SetState(Offline)
		_, err := client.DownloadFile(context.Background(), "/export", filepath.Join(t.TempDir(), "x"), nil)
		assert.Equal(t, KindNoConnection, KindOf(err))
	})
}

func TestGuessMimeType(t *testing.T) {
	assert.Equal(t, "application/json", guessMimeType("report.json"))
	assert.Equal(t, "application/octet-stream", guessMimeType("blob"))
	assert.Equal(t, "application/octet-stream", guessMimeType("weird.zzzqqq"))
}
