package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntentOutboxRoundTrip(t *testing.T) {
	in := &Intent{Kind: IntentOutboxEmit, Message: []byte("evt")}
	buf := make([]byte, in.EncodedLen())
	_, err := in.Encode(buf)
	require.NoError(t, err)
	require.Equal(t, "LINT", string(buf[0:4]))

	decoded, err := DecodeIntent(buf)
	require.NoError(t, err)
	require.Equal(t, IntentOutboxEmit, decoded.Kind)
	require.Equal(t, []byte("evt"), decoded.Message)
}

func TestIntentTimerArmRequiresDueTS(t *testing.T) {
	in := &Intent{Kind: IntentTimerArm, Message: []byte("evt")}
	buf := make([]byte, in.EncodedLen())
	_, err := in.Encode(buf)
	require.Error(t, err)

	in.Flags = IntentFlagHasDueTS
	in.DueTS = 123
	_, err = in.Encode(buf)
	require.NoError(t, err)

	decoded, err := DecodeIntent(buf)
	require.NoError(t, err)
	require.Equal(t, int64(123), decoded.DueTS)
}

func TestIntentOutboxMustNotHaveDueTS(t *testing.T) {
	in := &Intent{Kind: IntentOutboxEmit, Flags: IntentFlagHasDueTS, Message: []byte("evt")}
	buf := make([]byte, in.EncodedLen())
	_, err := in.Encode(buf)
	require.Error(t, err)
	require.Equal(t, StatusEINVAL, err.(*Error).Status)
}

func TestIntentEmptyMessageRejected(t *testing.T) {
	in := &Intent{Kind: IntentOutboxEmit}
	buf := make([]byte, IntentHeaderSize)
	_, err := in.Encode(buf)
	require.Error(t, err)
}
