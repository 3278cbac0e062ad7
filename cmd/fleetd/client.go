package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/status"
)

// apiClient calls the status API of a running orchestrator.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newClient(addr, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) printStatus(ctx context.Context, out io.Writer) error {
	var snap status.Snapshot
	if err := c.do(ctx, http.MethodGet, "/status", nil, &snap); err != nil {
		return err
	}
	return writeJSON(out, snap)
}

func (c *apiClient) approveLive(ctx context.Context, botID, approvedBy string, out io.Writer) error {
	var resp status.DecisionResponse
	req := status.ApproveRequest{ApprovedBy: approvedBy}
	if err := c.do(ctx, http.MethodPost, "/bots/"+url.PathEscape(botID)+"/approve-live", req, &resp); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s -> %s\n", resp.BotID, resp.From, resp.To)
	return nil
}

func (c *apiClient) reenable(ctx context.Context, botID string, out io.Writer) error {
	var resp struct {
		BotID     string `json:"bot_id"`
		Reenabled bool   `json:"reenabled"`
	}
	if err := c.do(ctx, http.MethodPost, "/bots/"+url.PathEscape(botID)+"/reenable", nil, &resp); err != nil {
		return err
	}
	if resp.Reenabled {
		fmt.Fprintf(out, "%s: re-enabled, trading still disabled\n", resp.BotID)
	} else {
		fmt.Fprintf(out, "%s: was not killed\n", resp.BotID)
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, into any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr status.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
