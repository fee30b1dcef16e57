package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorgiachat/signal-relay/internal/wire"
)

var (
	ErrNotConfigured = errors.New("directory not configured")
	ErrNotFound      = errors.New("not found in directory")
)

// maxBodyBytes bounds how much of a directory response is read. Profiles
// and member lists are small; anything bigger is a broken backend.
const maxBodyBytes = 1 << 20

type ClientConfig struct {
	// BaseURL is the REST backend root, e.g. "http://localhost:8080/api".
	BaseURL string
	// Timeout applies per lookup.
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client is an HTTP-backed directory. It expects the backend to serve
//
//	GET {base}/users/{id}            -> {"id":..,"username":..,"email":..}
//	GET {base}/groups/{id}/members   -> [{"id":..},...] or [1,2,3]
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("Timeout must be > 0")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		client:  client,
	}, nil
}

func (c *Client) UserInfo(ctx context.Context, id wire.UserID) (wire.UserInfo, error) {
	var info wire.UserInfo
	err := c.getJSON(ctx, c.baseURL+"/users/"+id.String(), &info)
	if err != nil {
		return wire.UserInfo{}, err
	}
	if info.ID == 0 {
		info.ID = id
	}
	return info, nil
}

func (c *Client) GroupMembers(ctx context.Context, groupID int64) ([]wire.UserID, error) {
	u := c.baseURL + "/groups/" + strconv.FormatInt(groupID, 10) + "/members"

	// The backend serves either bare ids or member objects; accept both.
	var raw []json.RawMessage
	if err := c.getJSON(ctx, u, &raw); err != nil {
		return nil, err
	}
	members := make([]wire.UserID, 0, len(raw))
	for _, item := range raw {
		var id wire.UserID
		if err := json.Unmarshal(item, &id); err == nil {
			members = append(members, id)
			continue
		}
		var obj struct {
			ID wire.UserID `json:"id"`
		}
		if err := json.Unmarshal(item, &obj); err != nil || obj.ID == 0 {
			return nil, fmt.Errorf("unrecognized group member entry %s", item)
		}
		members = append(members, obj.ID)
	}
	return members, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("directory returned %s for %s", resp.Status, u)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read directory response: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode directory response: %w", err)
	}
	return nil
}
