// Package automation defines the boundary to the stateful user-session
// automation client used for operations the bot API cannot perform, such
// as creating channels.
package automation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wisbric/groupowl/internal/extapi"
)

// Role is a participant's role in a channel.
type Role string

const (
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
	RoleMember  Role = "member"
	RoleNone    Role = "none"
)

// IsAdmin reports whether the role carries admin rights.
func (r Role) IsAdmin() bool {
	return r == RoleCreator || r == RoleAdmin
}

// Channel is a newly created broadcast channel.
type Channel struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Client is a connected user session on the messaging platform.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	CreateChannel(ctx context.Context, title, about string) (Channel, error)
	GrantAdmin(ctx context.Context, channelID, username string) error
	ExportInviteLink(ctx context.Context, channelID string) (string, error)
	ParticipantRole(ctx context.Context, channelID, username string) (Role, error)
}

// Factory builds an unconnected Client for a decrypted session credential.
type Factory func(credential []byte) Client

// ErrAuthExpired marks errors meaning the session credential was revoked,
// unregistered or deactivated.
var ErrAuthExpired = errors.New("automation session no longer authorized")

// authCodes are platform error codes that mean the credential is dead.
var authCodes = map[string]bool{
	"AUTH_KEY_UNREGISTERED": true,
	"AUTH_KEY_INVALID":      true,
	"AUTH_KEY_DUPLICATED":   true,
	"SESSION_REVOKED":       true,
	"SESSION_EXPIRED":       true,
	"USER_DEACTIVATED":      true,
	"USER_DEACTIVATED_BAN":  true,
}

// RPCError is an error reported by the messaging platform, e.g.
// FLOOD_WAIT_42 or SESSION_REVOKED.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, ErrAuthExpired) match auth-class RPC errors.
func (e *RPCError) Is(target error) bool {
	return target == ErrAuthExpired && authCodes[e.Message]
}

// FloodWait extracts the wait from FLOOD_WAIT_X and SLOWMODE_WAIT_X errors.
func (e *RPCError) FloodWait() (time.Duration, bool) {
	for _, prefix := range []string{"FLOOD_WAIT_", "SLOWMODE_WAIT_", "FLOOD_PREMIUM_WAIT_"} {
		if rest, ok := strings.CutPrefix(e.Message, prefix); ok {
			secs, err := strconv.Atoi(rest)
			if err != nil || secs < 0 {
				return 0, false
			}
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

// IsAuthError reports whether err means the session must be re-authenticated:
// an auth-class RPC error or an HTTP 401/403 from the platform.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrAuthExpired) {
		return true
	}
	se, ok := extapi.AsStatusError(err)
	return ok && se.Unauthorized()
}

// Classify maps an automation error onto the failure taxonomy: flood waits
// are rate limits with a server-suggested delay, auth-class errors are not
// retryable, everything else falls back to extapi.Classify.
func Classify(err error) extapi.Classification {
	if IsAuthError(err) {
		return extapi.Classification{Kind: extapi.KindAuthExpired}
	}
	var rpc *RPCError
	if errors.As(err, &rpc) {
		if wait, ok := rpc.FloodWait(); ok {
			return extapi.Classification{Kind: extapi.KindRateLimited, Retryable: true, RetryAfter: wait}
		}
		if rpc.Code == 420 || rpc.Code == 429 {
			return extapi.Classification{Kind: extapi.KindRateLimited, Retryable: true}
		}
	}
	return extapi.Classify(err)
}
