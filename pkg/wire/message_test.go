package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		Kind:       KindCommand,
		ToWorker:   42,
		MessageID:  []byte("ex-1"),
		Payload:    []byte("native-v0"),
	}
	buf := make([]byte, m.EncodedLen())
	n, err := m.Encode(buf)
	require.NoError(t, err)
	require.Equal(t, 73, n)
	require.Equal(t, "LMSG", string(buf[0:4]))

	decoded, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, m.Kind, decoded.Kind)
	require.Equal(t, m.ToWorker, decoded.ToWorker)
	require.Equal(t, m.MessageID, decoded.MessageID)
	require.Equal(t, m.Payload, decoded.Payload)
	require.Nil(t, decoded.TraceID)
}

func TestMessageTruncated(t *testing.T) {
	m := &Message{Kind: KindEvent, MessageID: []byte("id"), Payload: []byte("x")}
	buf := make([]byte, m.EncodedLen())
	_, err := m.Encode(buf)
	require.NoError(t, err)

	_, err = DecodeMessage(buf[:len(buf)-1])
	require.Error(t, err)
	require.Equal(t, StatusETRUNC, err.(*Error).Status)
}

func TestMessageBadMagic(t *testing.T) {
	m := &Message{Kind: KindEvent, MessageID: []byte("id"), Payload: []byte("x")}
	buf := make([]byte, m.EncodedLen())
	_, err := m.Encode(buf)
	require.NoError(t, err)

	buf[0] ^= 0xFF
	_, err = DecodeMessage(buf)
	require.Error(t, err)
	require.Equal(t, StatusEFORMAT, err.(*Error).Status)
}

func TestMessageBadVersion(t *testing.T) {
	m := &Message{Kind: KindEvent, MessageID: []byte("id"), Payload: []byte("x")}
	buf := make([]byte, m.EncodedLen())
	_, err := m.Encode(buf)
	require.NoError(t, err)

	buf[6] = 7 // bump minor
	_, err = DecodeMessage(buf)
	require.Error(t, err)
	require.Equal(t, StatusEVERSION, err.(*Error).Status)
}

func TestMessageWithTraceID(t *testing.T) {
	m := &Message{
		Kind:      KindEvent,
		Flags:     FlagHasTraceID,
		MessageID: []byte("id-1"),
		TraceID:   []byte("trace-xyz"),
		Payload:   []byte("payload"),
	}
	buf := make([]byte, m.EncodedLen())
	_, err := m.Encode(buf)
	require.NoError(t, err)

	decoded, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, m.TraceID, decoded.TraceID)
}

func TestMessageFromWorkerRequiresFlag(t *testing.T) {
	m := &Message{Kind: KindCommand, MessageID: []byte("id"), Payload: []byte("p"), FromWorker: 7}
	buf := make([]byte, m.EncodedLen())
	_, err := m.Encode(buf)
	require.Error(t, err)
	require.Equal(t, StatusEINVAL, err.(*Error).Status)
}

func TestNewMessageIDUnique(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	require.Len(t, a, 16)
	require.NotEqual(t, a, b)
}
