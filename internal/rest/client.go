// Package rest is the HTTP side of the client: message history,
// attachment uploads and read receipts are persisted through the API
// rather than the realtime broker.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"carelink/internal/filestore"
	"carelink/internal/models"

	"github.com/h2non/filetype"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Cache, when set, serves repeat attachment downloads from disk.
	Cache filestore.Store
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// SetToken swaps the bearer token after a refresh.
func (c *Client) SetToken(token string) {
	c.cfg.Token = token
}

// Messages fetches one page of history, newest first.
func (c *Client) Messages(ctx context.Context, conversationID string, page, pageSize int) ([]models.ChatMessage, error) {
	endpoint := fmt.Sprintf("%s/api/conversations/%s/messages?page=%d&pageSize=%d",
		c.cfg.BaseURL, url.PathEscape(conversationID), page, pageSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var msgs []models.ChatMessage
	if err := c.do(req, &msgs); err != nil {
		return nil, fmt.Errorf("fetching messages for %s: %w", conversationID, err)
	}
	return msgs, nil
}

// UploadAttachment sends the file as multipart form data. The content
// type is sniffed from the bytes, not trusted from the filename.
func (c *Client) UploadAttachment(ctx context.Context, conversationID, filename string, data []byte) (models.ChatMessage, error) {
	contentType := "application/octet-stream"
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		contentType = kind.MIME.Value
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("filename", filename); err != nil {
		return models.ChatMessage{}, err
	}
	if err := w.WriteField("contentType", contentType); err != nil {
		return models.ChatMessage{}, err
	}
	if err := w.WriteField("size", strconv.Itoa(len(data))); err != nil {
		return models.ChatMessage{}, err
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if _, err := part.Write(data); err != nil {
		return models.ChatMessage{}, err
	}
	if err := w.Close(); err != nil {
		return models.ChatMessage{}, err
	}

	endpoint := fmt.Sprintf("%s/api/conversations/%s/attachments", c.cfg.BaseURL, url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return models.ChatMessage{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var msg models.ChatMessage
	if err := c.do(req, &msg); err != nil {
		return models.ChatMessage{}, fmt.Errorf("uploading %s: %w", filename, err)
	}
	return msg, nil
}

// DownloadAttachment fetches an attachment payload by its file id.
// Attachment content is immutable, so a cache hit never revalidates.
func (c *Client) DownloadAttachment(ctx context.Context, fileID string) ([]byte, error) {
	if c.cfg.Cache != nil {
		if rc, err := c.cfg.Cache.Get(fileID); err == nil {
			defer func() { _ = rc.Close() }()
			return io.ReadAll(rc)
		}
	}

	endpoint := fmt.Sprintf("%s/api/files/%s", c.cfg.BaseURL, url.PathEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", fileID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", models.ErrAuthRejected, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("downloading %s: unexpected status %d", fileID, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading attachment %s: %w", fileID, err)
	}

	if c.cfg.Cache != nil {
		if err := c.cfg.Cache.Save(bytes.NewReader(data), fileID); err != nil {
			slog.Debug("attachment not cached", "file", fileID, "error", err)
		}
	}
	return data, nil
}

// MarkRead persists the read receipt up to and including messageID.
func (c *Client) MarkRead(ctx context.Context, conversationID, messageID string) error {
	body, err := json.Marshal(struct {
		MessageID string `json:"messageId"`
	}{MessageID: messageID})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/api/conversations/%s/read", c.cfg.BaseURL, url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("marking %s read: %w", conversationID, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", models.ErrAuthRejected, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
