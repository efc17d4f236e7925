package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osintops/dragnet/internal/faults"
)

func TestClassifyFloodWait(t *testing.T) {
	err := ClassifyError(tgerr.New(420, "FLOOD_WAIT_17"))

	var rl *faults.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 17*time.Second, rl.RetryAfter)
	assert.True(t, faults.IsRetryable(err))
}

func TestClassifyAuthAndBanCodes(t *testing.T) {
	var authErr *faults.AuthRequiredError
	assert.ErrorAs(t, ClassifyError(tgerr.New(401, "AUTH_KEY_UNREGISTERED")), &authErr)
	assert.ErrorAs(t, ClassifyError(tgerr.New(401, "SESSION_REVOKED")), &authErr)

	var banned *faults.SessionBannedError
	assert.ErrorAs(t, ClassifyError(tgerr.New(400, "PHONE_NUMBER_BANNED")), &banned)

	var twofa *faults.Invalid2FAError
	assert.ErrorAs(t, ClassifyError(tgerr.New(400, "PASSWORD_HASH_INVALID")), &twofa)
}

func TestClassifyAccessAndLookupCodes(t *testing.T) {
	assert.ErrorIs(t, ClassifyError(tgerr.New(400, "CHANNEL_PRIVATE")), faults.ErrPermissionDenied)
	assert.ErrorIs(t, ClassifyError(tgerr.New(400, "PEER_ID_INVALID")), faults.ErrNotFound)
}

func TestClassifyServerErrorsAreTemporary(t *testing.T) {
	assert.Equal(t, faults.KindTemporary, faults.KindOf(ClassifyError(tgerr.New(500, "INTERDC_2_CALL_ERROR"))))
	assert.Equal(t, faults.KindPermanent, faults.KindOf(ClassifyError(tgerr.New(400, "MESSAGE_EMPTY"))))
	assert.Equal(t, faults.KindTemporary, faults.KindOf(ClassifyError(context.DeadlineExceeded)))
	assert.Equal(t, faults.KindTemporary, faults.KindOf(ClassifyError(errors.New("connection reset"))))
}

func TestClassifyPassesThroughInviteStatuses(t *testing.T) {
	err := tgerr.New(400, "INVITE_HASH_EXPIRED")
	assert.True(t, tgerr.Is(ClassifyError(err), "INVITE_HASH_EXPIRED"))
}

func TestClassifyCancellation(t *testing.T) {
	assert.ErrorIs(t, ClassifyError(context.Canceled), context.Canceled)
	assert.NoError(t, ClassifyError(nil))
}
