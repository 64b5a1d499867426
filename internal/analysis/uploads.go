package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
)

// UploadDroneImage streams a drone image to the backend and returns its
// opaque file identifier. It is bounded by the upload timeout rather than
// the client's request timeout.
func (c *Client) UploadDroneImage(ctx context.Context, filename string, r io.Reader) (*Upload, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename is required")
	}

	// Stream the multipart body instead of buffering large GeoTIFFs.
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("failed to create form file: %w", err))
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(fmt.Errorf("failed to write image data: %w", err))
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/upload-drone-image", nil, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	c.logger.DebugContext(ctx, "uploading drone image",
		slog.String("filename", filename),
	)

	status, body, err := c.doWith(c.uploadClient, httpReq)
	// Unblock the writer goroutine if the request ended early.
	pr.Close()
	if err != nil {
		return nil, fmt.Errorf("drone image upload failed: %w", err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("drone image upload returned status %d: %s", status, errorDetail(body, status))
	}

	var upload Upload
	if err := json.Unmarshal(body, &upload); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if upload.FileID == "" {
		return nil, fmt.Errorf("upload response has no file_id")
	}

	c.logger.InfoContext(ctx, "drone image uploaded",
		slog.String("file_id", upload.FileID),
		slog.Float64("size_mb", upload.SizeMB),
	)

	return &upload, nil
}

// ListUploads returns the drone images stored by the backend.
func (c *Client) ListUploads(ctx context.Context) ([]Upload, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/uploads", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	status, body, err := c.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analysis backend request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("analysis backend returned status %d: %s", status, errorDetail(body, status))
	}

	var list struct {
		Files []Upload `json:"files"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode uploads response: %w", err)
	}
	if list.Files == nil {
		list.Files = []Upload{}
	}
	return list.Files, nil
}

// DeleteUpload removes a stored drone image. It returns an error wrapping
// ErrNotFound when the backend does not know fileID.
func (c *Client) DeleteUpload(ctx context.Context, fileID string) error {
	httpReq, err := c.newRequest(ctx, http.MethodDelete, "/uploads/"+url.PathEscape(fileID), nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	status, body, err := c.do(httpReq)
	if err != nil {
		return fmt.Errorf("analysis backend request failed: %w", err)
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("upload %s: %w", fileID, ErrNotFound)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("analysis backend returned status %d: %s", status, errorDetail(body, status))
	}

	c.logger.InfoContext(ctx, "drone image deleted", slog.String("file_id", fileID))
	return nil
}
