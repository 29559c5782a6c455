package frame

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/chatrelay/internal/rechunk"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeStructured, m)

	m, err = ParseMode(" RAW ")
	require.NoError(t, err)
	assert.Equal(t, ModeRaw, m)

	_, err = ParseMode("xml")
	require.Error(t, err)
}

func TestRawFraming(t *testing.T) {
	enc := NewEncoder(ModeRaw)

	f, err := enc.Encode(rechunk.Fragment{Text: "hello world"})
	require.NoError(t, err)
	assert.Equal(t, "data: hello world\n\n", string(f.MarshalSSE()))

	f, err = enc.Encode(rechunk.Fragment{Final: true})
	require.NoError(t, err)
	assert.Equal(t, "event: done\ndata: \n\n", string(f.MarshalSSE()))

	assert.Equal(t, "event: error\ndata: upstream failed\n\n", string(enc.Error("upstream failed", "ignored").MarshalSSE()))
}

func TestRawFramingMultiLine(t *testing.T) {
	enc := NewEncoder(ModeRaw)
	f, err := enc.Token("1. first\n2. second\n")
	require.NoError(t, err)
	assert.Equal(t, "data: 1. first\ndata: 2. second\ndata: \n\n", string(f.MarshalSSE()))
}

func TestStructuredFraming(t *testing.T) {
	enc := NewEncoder(ModeStructured)

	f, err := enc.Token(`say "hi"` + "\n")
	require.NoError(t, err)
	wire := string(f.MarshalSSE())
	require.True(t, strings.HasPrefix(wire, "data: {"))
	require.True(t, strings.HasSuffix(wire, "}\n\n"))

	var p TokenPayload
	require.NoError(t, json.Unmarshal([]byte(f.Data), &p))
	assert.Equal(t, `say "hi"`+"\n", p.Token)

	assert.Equal(t, "event: done\ndata: {\"status\":\"completed\"}\n\n", string(enc.Done().MarshalSSE()))

	ef := enc.Error("Upstream rejected the request", "status 500: boom")
	assert.Equal(t, EventError, ef.Event)
	got := DecodeError(ef)
	assert.Equal(t, "Upstream rejected the request", got.Message)
	assert.Equal(t, "status 500: boom", got.Details)
}

func TestDecodeToken(t *testing.T) {
	got, err := DecodeToken(ModeStructured, Frame{Data: `{"token":" x"}`})
	require.NoError(t, err)
	assert.Equal(t, " x", got)

	got, err = DecodeToken(ModeRaw, Frame{Data: "raw"})
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	_, err = DecodeToken(ModeStructured, Frame{Data: "not json"})
	require.Error(t, err)
}

func TestDecodeErrorFallsBackToText(t *testing.T) {
	assert.Equal(t, ErrorPayload{Message: "plain"}, DecodeError(Frame{Event: EventError, Data: "plain"}))
}

func TestReaderRoundTrip(t *testing.T) {
	enc := NewEncoder(ModeRaw)
	var wire []byte
	texts := []string{" leading space", "a\nb", "\n", "tail"}
	for _, text := range texts {
		f, err := enc.Token(text)
		require.NoError(t, err)
		wire = AppendSSE(wire, f)
	}
	wire = append(wire, ": ping\n\n"...)
	wire = AppendSSE(wire, enc.Done())

	r := NewReader(strings.NewReader(string(wire)))
	for _, want := range texts {
		f, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, EventMessage, f.Name())
		assert.Equal(t, want, f.Data)
	}
	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, EventDone, f.Name())
	assert.True(t, f.Terminal())
	assert.Equal(t, "", f.Data)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderDropsTruncatedFrame(t *testing.T) {
	r := NewReader(strings.NewReader("data: complete\n\ndata: cut"))
	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "complete", f.Data)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteComment(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteComment(&b, "ping"))
	assert.Equal(t, ": ping\n\n", b.String())
}
