// chatline - conversation timeline engine for WhatsApp-style gateways.
// Copyright (C) 2026 Courtdesk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/courtdesk/chatline/pkg/timeline"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 50
	maxPageSize     = 200
)

// ClientConfig carries everything needed to talk to the gateway's REST API.
type ClientConfig struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	Dialplan Dialplan
}

// Client is the HTTP side of the gateway: history pages, sends, and
// attachment transfer. The push side lives in the Feed implementations.
type Client struct {
	log      zerolog.Logger
	http     *http.Client
	baseURL  string
	token    string
	dialplan Dialplan
}

// NewClient validates cfg and returns a ready client.
func NewClient(log zerolog.Logger, cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	dialplan := cfg.Dialplan
	if dialplan.CountryCode == "" && dialplan.NationalNumberLen == 0 {
		dialplan = DefaultDialplan
	}
	return &Client{
		log:      log.With().Str("component", "gateway").Logger(),
		http:     &http.Client{Timeout: cfg.Timeout},
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:    cfg.Token,
		dialplan: dialplan,
	}, nil
}

// Dialplan returns the dialplan the client canonicalizes contacts with.
func (c *Client) Dialplan() Dialplan {
	return c.dialplan
}

// APIError is a non-2xx response from the gateway, with whatever detail the
// body carried.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway returned HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("gateway returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request later could succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Record is one message row as the REST API returns it.
type Record struct {
	ID           string             `json:"id"`
	WireID       string             `json:"wireId,omitempty"`
	Chat         string             `json:"chat,omitempty"`
	FromMe       bool               `json:"fromMe"`
	Body         string             `json:"body,omitempty"`
	AttachmentID string             `json:"attachmentId,omitempty"`
	Timestamp    jsontime.UnixMilli `json:"timestamp"`
	Status       string             `json:"status,omitempty"`
}

// Message converts a REST row into the timeline model. Rows without a usable
// status fall back to delivered for incoming messages and sent for outgoing
// ones, which is the weakest claim consistent with the row existing at all.
func (r Record) Message() timeline.Message {
	dir := timeline.DirectionIncoming
	if r.FromMe {
		dir = timeline.DirectionOutgoing
	}
	status := timeline.Status(r.Status)
	if !status.Valid() {
		if r.FromMe {
			status = timeline.StatusSent
		} else {
			status = timeline.StatusDelivered
		}
	}
	return timeline.Message{
		Ref:        timeline.Ref{ServerID: r.ID, WireID: r.WireID},
		Direction:  dir,
		Body:       r.Body,
		Attachment: r.AttachmentID,
		Timestamp:  r.Timestamp.Time,
		Status:     status,
	}
}

type historyResponse struct {
	Messages []Record `json:"messages"`
	HasMore  bool     `json:"hasMore"`
}

// FetchMessages loads one page of history for contact, newest page first:
// the messages strictly before the before mark, oldest-first within the
// page. A zero before mark means "start from the newest". The second return
// is the gateway's claim about whether more history exists behind this page.
func (c *Client) FetchMessages(ctx context.Context, contact string, limit int, before time.Time) ([]timeline.Message, bool, error) {
	if limit <= 0 {
		limit = defaultPageSize
	} else if limit > maxPageSize {
		limit = maxPageSize
	}
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if !before.IsZero() {
		query.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	}
	path := fmt.Sprintf("/v1/chats/%s/messages?%s", url.PathEscape(c.dialplan.Normalize(contact)), query.Encode())

	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, false, fmt.Errorf("failed to fetch history: %w", err)
	}
	msgs := make([]timeline.Message, len(resp.Messages))
	for i, rec := range resp.Messages {
		msgs[i] = rec.Message()
	}
	c.log.Debug().
		Str("contact", contact).
		Int("count", len(msgs)).
		Bool("has_more", resp.HasMore).
		Msg("Fetched history page")
	return msgs, resp.HasMore, nil
}

// SendRequest is an outgoing message handed to the gateway. TempID lets the
// gateway echo the client's correlation id back through the push channel
// when it supports that.
type SendRequest struct {
	TempID       string `json:"tempId,omitempty"`
	Body         string `json:"body,omitempty"`
	AttachmentID string `json:"attachmentId,omitempty"`
}

// SendResult is the gateway's acceptance of a send.
type SendResult struct {
	ID        string             `json:"id"`
	Timestamp jsontime.UnixMilli `json:"timestamp"`
}

// SendMessage submits one message to contact and returns the gateway-assigned
// id. A returned *APIError with Temporary() == false means the gateway
// rejected the message for good.
func (c *Client) SendMessage(ctx context.Context, contact string, req SendRequest) (*SendResult, error) {
	if req.Body == "" && req.AttachmentID == "" {
		return nil, fmt.Errorf("refusing to send an empty message")
	}
	path := "/v1/chats/" + url.PathEscape(c.dialplan.Normalize(contact)) + "/messages"
	var resp SendResult
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	c.log.Debug().
		Str("contact", contact).
		Str("id", resp.ID).
		Str("temp_id", req.TempID).
		Msg("Gateway accepted message")
	return &resp, nil
}

// NewTempID mints the local correlation id for an optimistic send.
func NewTempID() string {
	return "local-" + uuid.NewString()
}

// UploadAttachment pushes raw bytes to the gateway's attachment store and
// returns the attachment id to reference in a send. The content type is
// sniffed from the data.
func (c *Client) UploadAttachment(ctx context.Context, filename string, data []byte) (string, error) {
	mime := mimetype.Detect(data)
	query := url.Values{"filename": {filename}}
	u := c.baseURL + "/v1/attachments?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", mime.String())
	c.authorize(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment: %w", err)
	}
	defer httpResp.Body.Close()
	if err := checkStatus(httpResp); err != nil {
		return "", fmt.Errorf("failed to upload attachment: %w", err)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	c.log.Debug().
		Str("attachment_id", resp.ID).
		Str("mime", mime.String()).
		Int("size", len(data)).
		Msg("Uploaded attachment")
	return resp.ID, nil
}

// DownloadAttachment fetches attachment bytes and their content type.
func (c *Client) DownloadAttachment(ctx context.Context, id string) ([]byte, string, error) {
	u := c.baseURL + "/v1/attachments/" + url.PathEscape(id)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	c.authorize(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download attachment: %w", err)
	}
	defer httpResp.Body.Close()
	if err := checkStatus(httpResp); err != nil {
		return nil, "", fmt.Errorf("failed to download attachment: %w", err)
	}
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read attachment body: %w", err)
	}
	return data, httpResp.Header.Get("Content-Type"), nil
}

// Ping checks reachability and token validity.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do runs one JSON round trip against the API.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// checkStatus turns a non-2xx response into an *APIError, pulling code and
// message out of the body when the gateway bothered to include them.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
		if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
			apiErr.Code = body.Error.Code
			apiErr.Message = body.Error.Message
		}
	}
	return apiErr
}
