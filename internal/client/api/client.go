// Package api is the REST side of the chat backend: sign-in, rooms, roster
// and history. Every call after sign-in carries the bearer token.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/groupchat/internal/chaterr"
	"github.com/yourusername/groupchat/internal/protocol"
)

const maxErrorBody = 512

// Client talks to the backend REST endpoints
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a REST client rooted at baseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SignIn exchanges a username and password for a bearer token
func (c *Client) SignIn(ctx context.Context, username, password string) (protocol.SignInResponse, error) {
	var out protocol.SignInResponse
	body, err := json.Marshal(protocol.SignInRequest{Username: username, Password: password})
	if err != nil {
		return out, err
	}
	err = c.do(ctx, http.MethodPost, protocol.PathSignIn, nil, "", bytes.NewReader(body), &out)
	return out, err
}

// ListRooms returns one page of the caller's groups
func (c *Client) ListRooms(ctx context.Context, token string, page, limit int) ([]protocol.Group, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out []protocol.Group
	err := c.do(ctx, http.MethodGet, protocol.PathLoadRooms, q, token, nil, &out)
	return out, err
}

// RoomUsers returns the roster of a group
func (c *Client) RoomUsers(ctx context.Context, token, groupID string) (protocol.RoomUsers, error) {
	q := url.Values{}
	q.Set("groupId", groupID)
	var out protocol.RoomUsers
	err := c.do(ctx, http.MethodGet, protocol.PathRoomUsers, q, token, nil, &out)
	return out, err
}

// History returns the page of messages older than cursor. An empty cursor
// asks for the newest page.
func (c *Client) History(ctx context.Context, token, groupID, cursor string, limit int) (protocol.HistoryPage, error) {
	q := url.Values{}
	q.Set("groupId", groupID)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out protocol.HistoryPage
	err := c.do(ctx, http.MethodGet, protocol.PathMessages, q, token, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, token string, body io.Reader, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("[api] request rejected")
		return &chaterr.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

// TokenSource yields the current bearer token, if any
type TokenSource interface {
	Token() (string, bool)
}

// Authorized binds a client to a token source so per-group calls do not
// have to thread the token through.
type Authorized struct {
	client *Client
	tokens TokenSource
}

// Authorized returns a view of c that reads the token from ts on every call
func (c *Client) Authorized(ts TokenSource) *Authorized {
	return &Authorized{client: c, tokens: ts}
}

func (a *Authorized) RoomUsers(ctx context.Context, groupID string) (protocol.RoomUsers, error) {
	token, ok := a.tokens.Token()
	if !ok {
		return protocol.RoomUsers{}, chaterr.ErrNoCredential
	}
	return a.client.RoomUsers(ctx, token, groupID)
}

func (a *Authorized) History(ctx context.Context, groupID, cursor string, limit int) (protocol.HistoryPage, error) {
	token, ok := a.tokens.Token()
	if !ok {
		return protocol.HistoryPage{}, chaterr.ErrNoCredential
	}
	return a.client.History(ctx, token, groupID, cursor, limit)
}
