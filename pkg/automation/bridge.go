package automation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/wisbric/groupowl/internal/extapi"
)

// BridgeClient talks to the automation sidecar over HTTP. The sidecar owns
// the platform protocol; each Connect opens a server-side connection that
// later calls address by ID.
type BridgeClient struct {
	baseURL    string
	httpClient *http.Client
	credential []byte
	connID     string
}

// NewBridgeFactory returns a Factory that builds BridgeClients against the
// sidecar at baseURL.
func NewBridgeFactory(baseURL string, httpClient *http.Client) Factory {
	if httpClient == nil {
		httpClient = extapi.NewHTTPClient()
	}
	return func(credential []byte) Client {
		return &BridgeClient{baseURL: baseURL, httpClient: httpClient, credential: credential}
	}
}

var errNotConnected = errors.New("automation client not connected")

// Connect opens a sidecar connection for the credential.
func (c *BridgeClient) Connect(ctx context.Context) error {
	var resp struct {
		ConnectionID string `json:"connection_id"`
	}
	err := c.call(ctx, http.MethodPost, "/connections", map[string]string{
		"session": base64.StdEncoding.EncodeToString(c.credential),
	}, &resp)
	if err != nil {
		return fmt.Errorf("connecting automation session: %w", err)
	}
	c.connID = resp.ConnectionID
	return nil
}

// Disconnect closes the sidecar connection. It is a noop when not connected.
func (c *BridgeClient) Disconnect(ctx context.Context) error {
	if c.connID == "" {
		return nil
	}
	err := c.call(ctx, http.MethodDelete, "/connections/"+url.PathEscape(c.connID), nil, nil)
	c.connID = ""
	if err != nil {
		return fmt.Errorf("disconnecting automation session: %w", err)
	}
	return nil
}

// CreateChannel creates a broadcast channel owned by the session user.
func (c *BridgeClient) CreateChannel(ctx context.Context, title, about string) (Channel, error) {
	var ch Channel
	if err := c.connCall(ctx, http.MethodPost, "/channels", map[string]string{
		"title": title,
		"about": about,
	}, &ch); err != nil {
		return Channel{}, fmt.Errorf("creating channel: %w", err)
	}
	return ch, nil
}

// GrantAdmin promotes username to channel admin with posting rights.
func (c *BridgeClient) GrantAdmin(ctx context.Context, channelID, username string) error {
	path := "/channels/" + url.PathEscape(channelID) + "/admins"
	if err := c.connCall(ctx, http.MethodPost, path, map[string]string{"username": username}, nil); err != nil {
		return fmt.Errorf("granting admin to %s: %w", username, err)
	}
	return nil
}

// ExportInviteLink returns the channel's primary invite link.
func (c *BridgeClient) ExportInviteLink(ctx context.Context, channelID string) (string, error) {
	var resp struct {
		Link string `json:"link"`
	}
	path := "/channels/" + url.PathEscape(channelID) + "/invite-link"
	if err := c.connCall(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", fmt.Errorf("exporting invite link: %w", err)
	}
	return resp.Link, nil
}

// ParticipantRole looks up username's role in the channel.
func (c *BridgeClient) ParticipantRole(ctx context.Context, channelID, username string) (Role, error) {
	var resp struct {
		Role Role `json:"role"`
	}
	path := "/channels/" + url.PathEscape(channelID) + "/participants/" + url.PathEscape(username)
	if err := c.connCall(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return RoleNone, fmt.Errorf("looking up participant role: %w", err)
	}
	if resp.Role == "" {
		return RoleNone, nil
	}
	return resp.Role, nil
}

func (c *BridgeClient) connCall(ctx context.Context, method, path string, body, out any) error {
	if c.connID == "" {
		return errNotConnected
	}
	return c.call(ctx, method, "/connections/"+url.PathEscape(c.connID)+path, body, out)
}

func (c *BridgeClient) call(ctx context.Context, method, path string, body, out any) error {
	err := extapi.Do(ctx, c.httpClient, extapi.Request{
		Service: "automation bridge",
		Method:  method,
		URL:     c.baseURL + path,
		Body:    body,
		OK:      []int{http.StatusOK, http.StatusCreated, http.StatusNoContent},
	}, out)
	return asRPCError(err)
}

// asRPCError lifts a platform error carried in a sidecar error body into an
// *RPCError so callers can classify it.
func asRPCError(err error) error {
	se, ok := extapi.AsStatusError(err)
	if !ok {
		return err
	}
	var rpc RPCError
	if json.Unmarshal([]byte(se.Body), &rpc) != nil || rpc.Message == "" {
		return err
	}
	if rpc.Code == 0 {
		rpc.Code = se.StatusCode
	}
	return &rpc
}
