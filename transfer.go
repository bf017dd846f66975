package growlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

// ============================================================================
// File Transfer
// ============================================================================
//
// Uploads and downloads bypass the response cache and the offline queue:
// large binary transfers are not deferred, they fail immediately with
// KindNoConnection when offline.

// UploadFile posts the file at filePath as a multipart form to path.
// Progress is reported through opts.OnProgress when set.
func (c *Client) UploadFile(ctx context.Context, path, filePath string, opts *RequestOptions) (*Response, error) {
	if !c.initialized.Load() {
		return nil, newError(KindNotInitialized, "client used before Init")
	}
	if c.monitor.CurrentState() == Offline {
		return nil, newError(KindNoConnection, "upload requires a connection")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, wrapError(KindStorage, err, "failed to read upload file")
	}
	fileName := filepath.Base(filePath)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	header.Set("Content-Type", guessMimeType(fileName))
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, wrapError(KindUnknown, err, "failed to build multipart form")
	}
	if _, err := part.Write(data); err != nil {
		return nil, wrapError(KindUnknown, err, "failed to write multipart form")
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, wrapError(KindUnknown, err, "failed to build upload request")
	}
	c.setHeaders(req, opts)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	if resp.StatusCode >= 300 {
		return nil, &Error{
			Kind:       classifyStatus(resp.StatusCode),
			Message:    errorMessage(body, resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
	if opts != nil && opts.OnProgress != nil {
		opts.OnProgress(int64(len(data)), int64(len(data)))
	}
	return &Response{StatusCode: resp.StatusCode, Body: body, Headers: resp.Header}, nil
}

// DownloadFile streams urlPath to savePath, reporting progress as chunks
// arrive. The partial file is removed on failure.
func (c *Client) DownloadFile(ctx context.Context, urlPath, savePath string, opts *RequestOptions) (*Response, error) {
	if !c.initialized.Load() {
		return nil, newError(KindNotInitialized, "client used before Init")
	}
	if c.monitor.CurrentState() == Offline {
		return nil, newError(KindNoConnection, "download requires a connection")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+urlPath, nil)
	if err != nil {
		return nil, wrapError(KindUnknown, err, "failed to build download request")
	}
	c.setHeaders(req, opts)
	req.Header.Del("Accept")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &Error{
			Kind:       classifyStatus(resp.StatusCode),
			Message:    errorMessage(body, resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	out, err := os.Create(savePath)
	if err != nil {
		return nil, wrapError(KindStorage, err, "failed to create download file")
	}

	total := resp.ContentLength
	var done int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(savePath)
				return nil, wrapError(KindStorage, werr, "failed to write download file")
			}
			done += int64(n)
			if opts != nil && opts.OnProgress != nil {
				opts.OnProgress(done, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			os.Remove(savePath)
			return nil, classifyTransport(ctx, rerr)
		}
	}
	if err := out.Close(); err != nil {
		return nil, wrapError(KindStorage, err, "failed to close download file")
	}

	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header}, nil
}

// guessMimeType returns the MIME type for a file name, defaulting to
// application/octet-stream.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
