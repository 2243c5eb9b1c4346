// ABOUTME: DBGp wire framing for the debugger bridge.
// ABOUTME: Streaming frame decoder and NUL-terminated command encoder.

// Package dbgp implements the DBGp debugger protocol (XML over TCP,
// length-prefixed) as spoken by XDebug-enabled interpreters.
package dbgp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// FrameDecoder is a streaming decoder for DBGp frames of the form
// <ascii-decimal-length>\0<xml-bytes>\0. Input may arrive in arbitrarily
// small chunks; complete XML payloads are emitted as soon as they are
// available. Lengths are byte counts, not character counts.
type FrameDecoder struct {
	buf    []byte
	logger *zap.Logger
}

// NewFrameDecoder creates a decoder. A nil logger disables diagnostics.
func NewFrameDecoder(logger *zap.Logger) *FrameDecoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameDecoder{logger: logger}
}

// Feed appends a chunk of raw bytes and returns every complete XML payload
// now available. A malformed length prefix triggers framing recovery: the
// decoder skips past the offending NUL and continues with the remainder.
func (d *FrameDecoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var payloads [][]byte
	for {
		nul := bytes.IndexByte(d.buf, 0)
		if nul < 0 {
			return payloads
		}

		length, err := strconv.Atoi(string(d.buf[:nul]))
		if err != nil || length <= 0 {
			d.logger.Warn("malformed DBGp length prefix, resynchronizing",
				zap.ByteString("prefix", d.buf[:nul]))
			d.buf = d.buf[nul+1:]
			continue
		}

		// Need the payload plus its trailing NUL.
		total := nul + 1 + length + 1
		if len(d.buf) < total {
			return payloads
		}

		payload := make([]byte, length)
		copy(payload, d.buf[nul+1:nul+1+length])
		payloads = append(payloads, payload)
		d.buf = d.buf[total:]
	}
}

// Buffered reports how many bytes are waiting for a complete frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// EncodeFrame wraps an XML payload in the DBGp length-prefixed frame format.
// Used by tests and stub debuggees; the live debuggee produces its own frames.
func EncodeFrame(xmlPayload []byte) []byte {
	out := make([]byte, 0, len(xmlPayload)+16)
	out = append(out, []byte(strconv.Itoa(len(xmlPayload)))...)
	out = append(out, 0)
	out = append(out, xmlPayload...)
	out = append(out, 0)
	return out
}

// EncodeCommand builds the NUL-terminated command form
// "<verb> -i <txid> <args...>". Free-form data, when present, is
// base64-encoded and placed after the literal "--" separator per the DBGp
// convention so expressions survive transport untouched.
func EncodeCommand(verb string, txid int, args []string, data string) []byte {
	var sb strings.Builder
	sb.WriteString(verb)
	fmt.Fprintf(&sb, " -i %d", txid)
	for _, a := range args {
		sb.WriteByte(' ')
		sb.WriteString(a)
	}
	if data != "" {
		sb.WriteString(" -- ")
		sb.WriteString(base64.StdEncoding.EncodeToString([]byte(data)))
	}
	return append([]byte(sb.String()), 0)
}

// QuoteArg quotes an argument value for the command line when it contains
// whitespace or quotes.
func QuoteArg(v string) string {
	if !strings.ContainsAny(v, " \t\"") {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}
