package telegram

import (
	"context"
	"errors"
	"net"

	"github.com/gotd/td/tgerr"

	"github.com/osintops/dragnet/internal/faults"
)

// ClassifyError maps an upstream failure to the engine's error kinds.
// FloodWait becomes RateLimited with the server-advised duration; known
// terminal RPC errors become auth/permission kinds; network-ish failures
// become Temporary.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &faults.RateLimitedError{RetryAfter: wait}
	}

	if tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED") {
		return &faults.AuthRequiredError{}
	}
	if tgerr.Is(err, "SESSION_PASSWORD_NEEDED") {
		return &faults.Invalid2FAError{}
	}
	if tgerr.Is(err, "PASSWORD_HASH_INVALID") {
		return &faults.Invalid2FAError{}
	}
	if tgerr.Is(err, "PHONE_NUMBER_BANNED", "USER_DEACTIVATED_BAN", "USER_DEACTIVATED") {
		return &faults.SessionBannedError{Cause: err.Error()}
	}
	if tgerr.Is(err, "CHANNEL_PRIVATE", "CHAT_ADMIN_REQUIRED", "CHAT_WRITE_FORBIDDEN", "USER_PRIVACY_RESTRICTED") {
		return faults.ErrPermissionDenied
	}
	if tgerr.Is(err, "PEER_ID_INVALID", "USERNAME_NOT_OCCUPIED", "MSG_ID_INVALID", "USER_ID_INVALID", "CHANNEL_INVALID") {
		return faults.ErrNotFound
	}
	if tgerr.Is(err, "INVITE_HASH_EXPIRED", "INVITE_HASH_INVALID", "INVITE_REQUEST_SENT", "USER_ALREADY_PARTICIPANT") {
		// Invite-specific statuses are mapped by the resolver; pass through.
		return err
	}

	var rpcErr *tgerr.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.Code >= 500 {
			return &faults.TemporaryError{Cause: err}
		}
		return &faults.PermanentError{Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &faults.TemporaryError{Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &faults.TemporaryError{Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	return &faults.TemporaryError{Cause: err}
}
