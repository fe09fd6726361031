package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fisaks/si12/internal/api"
	"github.com/fisaks/si12/internal/supervisor"
	"github.com/fisaks/si12/internal/transport"
)

type restClient struct {
	base string
	http *http.Client
}

func newRESTClient(base string) *restClient {
	return &restClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// do sends body as JSON and decodes the reply into out. Non-2xx replies
// are decoded too, so a snapshot sent along with an error still arrives.
func (c *restClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decode %s reply: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// mutate runs a call answering with api.Result.
func (c *restClient) mutate(ctx context.Context, method, path string, body any) (*supervisor.Snapshot, error) {
	var res api.Result
	status, err := c.do(ctx, method, path, body, &res)
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return res.Snapshot, fmt.Errorf("%s (HTTP %d)", res.Error, status)
	}
	if status >= 300 {
		return res.Snapshot, fmt.Errorf("HTTP %d", status)
	}
	return res.Snapshot, nil
}

func (c *restClient) get(ctx context.Context, path string, out any) error {
	status, err := c.do(ctx, http.MethodGet, path, nil, out)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("GET %s: HTTP %d", path, status)
	}
	return nil
}

func (c *restClient) info(ctx context.Context) (api.Info, error) {
	var info api.Info
	return info, c.get(ctx, "/api/info", &info)
}

func (c *restClient) ports(ctx context.Context) ([]transport.PortInfo, error) {
	var ports []transport.PortInfo
	return ports, c.get(ctx, "/api/ports", &ports)
}

func (c *restClient) snapshot(ctx context.Context) (supervisor.Snapshot, error) {
	var snap supervisor.Snapshot
	return snap, c.get(ctx, "/api/snapshot", &snap)
}

func (c *restClient) history(ctx context.Context, idx int) (supervisor.ChannelHistory, error) {
	var h supervisor.ChannelHistory
	return h, c.get(ctx, fmt.Sprintf("/api/devices/%d/history", idx), &h)
}

func devicePath(idx int, what string) string {
	return fmt.Sprintf("/api/devices/%d/%s", idx, what)
}
