// Package offload transfers finalized recordings and their manifests to the
// ingest server: chunked resumable uploads, end-to-end checksum verification,
// and a retry schedule with a hard attempt budget.
package offload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pitchside/rig/pkg/types"
)

// InitRequest opens (or resumes) an upload on the ingest server.
type InitRequest struct {
	NodeID      string `json:"node_id"`
	SessionID   string `json:"session_id"`
	RecordingID string `json:"recording_id"`
	FileSize    int64  `json:"file_size"`
	ChunkSize   int64  `json:"chunk_size"`
	Checksum    string `json:"checksum"`
}

// InitResponse returns the upload handle and the chunks already on disk.
type InitResponse struct {
	UploadID       string `json:"upload_id"`
	ReceivedChunks []int  `json:"received_chunks"`
}

// FinalizeRequest completes an upload.
type FinalizeRequest struct {
	UploadID    string `json:"upload_id"`
	TotalChunks int    `json:"total_chunks"`
}

// FinalizeResponse carries the server-side hash for verification.
type FinalizeResponse struct {
	ChecksumSHA256 string `json:"checksum_sha256"`
	SizeBytes      int64  `json:"size_bytes"`
}

// ConfirmResponse is the idempotent confirmation answer.
type ConfirmResponse struct {
	ChecksumSHA256 string `json:"checksum_sha256"`
}

// permanentError marks failures that must not be retried (4xx, local file
// missing, bad manifest).
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Client speaks the ingest upload protocol.
type Client struct {
	baseURL   string
	http      *http.Client
	chunkSize int64
}

// NewClient builds an upload client for the ingest server at serverURL.
func NewClient(serverURL string, chunkSize int64, timeout time.Duration) *Client {
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	return &Client{
		baseURL:   strings.TrimSuffix(serverURL, "/"),
		http:      &http.Client{Timeout: timeout},
		chunkSize: chunkSize,
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		var e types.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return permanentError{fmt.Errorf("%s: %s", resp.Status, e.Error)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Init opens or resumes the upload for a recording.
func (c *Client) Init(ctx context.Context, req InitRequest) (InitResponse, error) {
	var resp InitResponse
	err := c.postJSON(ctx, "/upload/init", req, &resp)
	return resp, err
}

// SendChunk streams one chunk as multipart form data.
func (c *Client) SendChunk(ctx context.Context, uploadID string, index int, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("upload_id", uploadID)
	_ = mw.WriteField("chunk_index", strconv.Itoa(index))
	fw, err := mw.CreateFormFile("bytes", fmt.Sprintf("chunk_%06d", index))
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/chunk", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return permanentError{fmt.Errorf("chunk %d rejected: %s", index, resp.Status)}
	}
	return nil
}

// Finalize asks the server to assemble and hash the file.
func (c *Client) Finalize(ctx context.Context, uploadID string, totalChunks int) (FinalizeResponse, error) {
	var resp FinalizeResponse
	err := c.postJSON(ctx, "/upload/finalize", FinalizeRequest{UploadID: uploadID, TotalChunks: totalChunks}, &resp)
	return resp, err
}

// Abandon deletes a server-side partial after a checksum mismatch.
func (c *Client) Abandon(ctx context.Context, uploadID string) error {
	return c.postJSON(ctx, "/upload/abandon", map[string]string{"upload_id": uploadID}, nil)
}

// Confirm records the client's acceptance of the stored recording.
func (c *Client) Confirm(ctx context.Context, sessionID, nodeID string) (ConfirmResponse, error) {
	var resp ConfirmResponse
	err := c.postJSON(ctx, "/upload/confirm", map[string]string{"session_id": sessionID, "node_id": nodeID}, &resp)
	return resp, err
}

// UploadManifest ships the manifest JSON for a recording.
func (c *Client) UploadManifest(ctx context.Context, sessionID, nodeID string, manifestJSON []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/sessions/%s/manifest?node_id=%s", c.baseURL, sessionID, nodeID),
		bytes.NewReader(manifestJSON))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return permanentError{fmt.Errorf("manifest rejected: %s", resp.Status)}
	}
	return nil
}

// Health checks the ingest server.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ingest unhealthy: %s", resp.Status)
	}
	return nil
}

// uploadOnce performs one full upload pass for the recording: init, missing
// chunks, finalize, verify, confirm.
func (c *Client) uploadOnce(ctx context.Context, rec types.Recording, manifestJSON []byte) error {
	f, err := os.Open(rec.FilePath)
	if err != nil {
		return permanentError{fmt.Errorf("recording file: %w", err)}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return permanentError{err}
	}

	initResp, err := c.Init(ctx, InitRequest{
		NodeID:      rec.NodeID,
		SessionID:   rec.SessionID,
		RecordingID: rec.RecordingID,
		FileSize:    info.Size(),
		ChunkSize:   c.chunkSize,
		Checksum:    rec.Checksum,
	})
	if err != nil {
		return err
	}

	have := make(map[int]bool, len(initResp.ReceivedChunks))
	for _, i := range initResp.ReceivedChunks {
		have[i] = true
	}

	totalChunks := int((info.Size() + c.chunkSize - 1) / c.chunkSize)
	buf := make([]byte, c.chunkSize)
	for i := 0; i < totalChunks; i++ {
		if have[i] {
			continue
		}
		n, err := f.ReadAt(buf, int64(i)*c.chunkSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return permanentError{fmt.Errorf("read chunk %d: %w", i, err)}
		}
		if err := c.SendChunk(ctx, initResp.UploadID, i, buf[:n]); err != nil {
			return err
		}
	}

	if err := c.UploadManifest(ctx, rec.SessionID, rec.NodeID, manifestJSON); err != nil {
		return err
	}

	finResp, err := c.Finalize(ctx, initResp.UploadID, totalChunks)
	if err != nil {
		return err
	}
	if finResp.ChecksumSHA256 != rec.Checksum {
		// Drop the server-side partial so the retry starts clean.
		_ = c.Abandon(ctx, initResp.UploadID)
		return fmt.Errorf("%w: client %s server %s", types.ErrChecksumMismatch, rec.Checksum, finResp.ChecksumSHA256)
	}

	confResp, err := c.Confirm(ctx, rec.SessionID, rec.NodeID)
	if err != nil {
		return err
	}
	if confResp.ChecksumSHA256 != rec.Checksum {
		return fmt.Errorf("%w: confirm hash %s", types.ErrChecksumMismatch, confResp.ChecksumSHA256)
	}
	return nil
}
