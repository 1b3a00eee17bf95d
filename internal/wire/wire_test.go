package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Timestamp: 1_700_000_000,
		Type:      MessageTypeRequest,
		Path:      "/echo",
		Size:      13,
	}

	encoded, err := h.Marshal()
	require.NoError(t, err)

	var got Header
	require.NoError(t, got.Unmarshal(encoded))
	require.Equal(t, *h, got)
}

func TestHeaderRoundTripEmptyPath(t *testing.T) {
	h := &Header{Timestamp: 42, Type: MessageTypePing, Size: 0}

	encoded, err := h.Marshal()
	require.NoError(t, err)

	var got Header
	require.NoError(t, got.Unmarshal(encoded))
	require.Equal(t, *h, got)
}

func TestHeaderUnmarshalTooShort(t *testing.T) {
	var h Header
	err := h.Unmarshal([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestErrorRoundTrip(t *testing.T) {
	e := &Error{
		Code:      ErrCodeContextHandleReadFailed,
		Message:   "malformed header",
		Timestamp: 1_700_000_001,
	}

	encoded, err := e.Marshal()
	require.NoError(t, err)

	var got Error
	require.NoError(t, got.Unmarshal(encoded))
	require.Equal(t, *e, got)
}

func TestFrameAppendsSingleDelimiter(t *testing.T) {
	payload := []byte("hello")
	framed := Frame(payload)
	require.Equal(t, append([]byte("hello"), Delimiter), framed)
}

func TestErrorCodeClasses(t *testing.T) {
	require.Equal(t, uint32(11001), ErrCodeSocketAcceptFailed)
	require.Equal(t, uint32(12003), ErrCodeSecureChannelNotSecure)
	require.Equal(t, uint32(13001), ErrCodeContextHandleReadFailed)
	require.Equal(t, uint32(13002), ErrCodeContextBufferFull)
	require.Equal(t, uint32(13003), ErrCodeContextSendMessageFailed)
	require.Equal(t, uint32(13004), ErrCodeContextHandleRequestFailed)
	require.Equal(t, uint32(15001), ErrCodePoolHandlerPanic)
}

func TestMessageTypeString(t *testing.T) {
	require.Equal(t, "REQUEST", MessageTypeRequest.String())
	require.Equal(t, "PING", MessageTypePing.String())
}
