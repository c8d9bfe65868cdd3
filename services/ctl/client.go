// Package ctl is the API client behind the corralctl command.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client talks to the corral API.
type Client struct {
	base string
	http *http.Client
}

// NewClient validates the base URL and returns a client.
func NewClient(base string) (*Client, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = os.Getenv("CORRAL_API")
	}
	if base == "" {
		return nil, errors.New("api base url is required (flag --api or CORRAL_API)")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// EnrollSpec is the YAML shape accepted by nodes enroll.
type EnrollSpec struct {
	Name       *string           `yaml:"name" json:"name,omitempty"`
	Driver     string            `yaml:"driver" json:"driver"`
	Interfaces map[string]string `yaml:"interfaces" json:"interfaces,omitempty"`
	DriverInfo map[string]any    `yaml:"driver_info" json:"driver_info,omitempty"`
	Properties map[string]any    `yaml:"properties" json:"properties,omitempty"`
	Extra      map[string]any    `yaml:"extra" json:"extra,omitempty"`
}

// Enroll registers a node and returns the API's representation.
func (c *Client) Enroll(ctx context.Context, spec EnrollSpec) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, "/v1/nodes", spec, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListNodes fetches nodes, optionally filtered by driver and provision state.
func (c *Client) ListNodes(ctx context.Context, driver, state string) (map[string]any, error) {
	path := "/v1/nodes"
	q := url.Values{}
	if driver != "" {
		q.Set("driver", driver)
	}
	if state != "" {
		q.Set("provision_state", state)
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out map[string]any
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetNode fetches one node by id or name.
func (c *Client) GetNode(ctx context.Context, ref string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(ref), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Provision submits a provisioning verb for the node.
func (c *Client) Provision(ctx context.Context, ref, target string, params map[string]any) error {
	body := map[string]any{"target": target}
	if params != nil {
		body["params"] = params
	}
	return c.do(ctx, http.MethodPut, "/v1/nodes/"+url.PathEscape(ref)+"/states/provision", body, nil)
}

// States fetches the node's state projection.
func (c *Client) States(ctx context.Context, ref string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(ref)+"/states", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History fetches the node's transition log.
func (c *Client) History(ctx context.Context, ref string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(ref)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteNode purges a node record.
func (c *Client) DeleteNode(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/v1/nodes/"+url.PathEscape(ref), nil, nil)
}

// Conductors lists the conductor fleet.
func (c *Client) Conductors(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/conductors", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(data))
		var wire struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &wire) == nil && wire.Error != "" {
			msg = wire.Error
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
