package dbgp

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameDecoderSingleFrame(t *testing.T) {
	payload := []byte(`<response command="run" transaction_id="1" status="break"/>`)
	d := NewFrameDecoder(nil)

	out := d.Feed(EncodeFrame(payload))
	require.Len(t, out, 1)
	assert.Equal(t, payload, out[0])
	assert.Zero(t, d.Buffered())
}

func TestFrameDecoderChunkedDeliveryMatchesSingleChunk(t *testing.T) {
	payloads := [][]byte{
		[]byte(`<init appid="1" idekey="mcp"/>`),
		[]byte(`<response command="feature_set" transaction_id="1" success="1"/>`),
		[]byte(`<response command="run" transaction_id="2" status="break" reason="ok"/>`),
	}
	var stream []byte
	for _, p := range payloads {
		stream = append(stream, EncodeFrame(p)...)
	}

	// Reference: one delivery.
	whole := NewFrameDecoder(nil).Feed(stream)
	require.Equal(t, payloads, whole)

	// Every chunk size from 1 byte up must yield the identical sequence.
	for chunkSize := 1; chunkSize <= 7; chunkSize++ {
		d := NewFrameDecoder(nil)
		var got [][]byte
		for i := 0; i < len(stream); i += chunkSize {
			end := i + chunkSize
			if end > len(stream) {
				end = len(stream)
			}
			got = append(got, d.Feed(stream[i:end])...)
		}
		assert.Equal(t, payloads, got, "chunk size %d", chunkSize)
	}
}

func TestFrameDecoderLengthIsByteCount(t *testing.T) {
	// Multi-byte UTF-8 content: the prefix counts bytes, not characters.
	payload := []byte(`<response command="eval" transaction_id="3"><property type="string">héllo wörld</property></response>`)
	frame := EncodeFrame(payload)

	prefix, _, ok := bytes.Cut(frame, []byte{0})
	require.True(t, ok)
	n, err := strconv.Atoi(string(prefix))
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Greater(t, n, len([]rune(string(payload)))) // bytes > runes here

	out := NewFrameDecoder(nil).Feed(frame)
	require.Len(t, out, 1)
	assert.Equal(t, payload, out[0])
}

func TestFrameDecoderRecoversFromMalformedLength(t *testing.T) {
	good := []byte(`<response command="status" transaction_id="4"/>`)
	var stream []byte
	stream = append(stream, []byte("garbage")...)
	stream = append(stream, 0)
	stream = append(stream, EncodeFrame(good)...)

	out := NewFrameDecoder(nil).Feed(stream)
	require.Len(t, out, 1)
	assert.Equal(t, good, out[0])
}

func TestFrameDecoderRejectsNonPositiveLength(t *testing.T) {
	good := []byte(`<response command="status" transaction_id="5"/>`)
	var stream []byte
	stream = append(stream, []byte("-3")...)
	stream = append(stream, 0)
	stream = append(stream, EncodeFrame(good)...)

	out := NewFrameDecoder(nil).Feed(stream)
	require.Len(t, out, 1)
	assert.Equal(t, good, out[0])
}

func TestEncodeCommandShape(t *testing.T) {
	frame := EncodeCommand("breakpoint_set", 7, []string{"-t", "line", "-n", "42"}, "")
	require.Equal(t, byte(0), frame[len(frame)-1])
	assert.Equal(t, "breakpoint_set -i 7 -t line -n 42", string(frame[:len(frame)-1]))
}

func TestEncodeCommandBase64RoundTrip(t *testing.T) {
	// Free-form payloads survive transport byte-for-byte.
	for _, expr := range []string{
		"$i === 50",
		"strpos($s, \"--\") !== false",
		"count($items) > 3 && $items[0]->name === 'über'",
	} {
		frame := EncodeCommand("eval", 1, nil, expr)
		cmd := string(frame[:len(frame)-1])
		_, encoded, found := strings.Cut(cmd, " -- ")
		require.True(t, found)
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		assert.Equal(t, expr, string(decoded))
	}
}

func TestQuoteArg(t *testing.T) {
	assert.Equal(t, "$order", QuoteArg("$order"))
	assert.Equal(t, `"$arr[0] extra"`, QuoteArg("$arr[0] extra"))
}
