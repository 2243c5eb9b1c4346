// ABOUTME: XML message model for DBGp responses and property trees.
// ABOUTME: Decodes properties into VarInfo with base64 and typed coercion.

package dbgp

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// Init is the handshake packet the debuggee sends right after dialing in.
// It is never matched against a pending command.
type Init struct {
	XMLName  xml.Name `xml:"init"`
	AppID    string   `xml:"appid,attr"`
	IDEKey   string   `xml:"idekey,attr"`
	Session  string   `xml:"session,attr"`
	Language string   `xml:"language,attr"`
	FileURI  string   `xml:"fileuri,attr"`
	Protocol string   `xml:"protocol_version,attr"`
}

// ResponseError is the <error> child of a failed <response>.
type ResponseError struct {
	Code    int    `xml:"code,attr"`
	Message string `xml:"message"`
}

// BreakInfo carries the location payload of a status="break" response
// (the xdebug:message element).
type BreakInfo struct {
	Filename  string `xml:"filename,attr"`
	Lineno    int    `xml:"lineno,attr"`
	Exception string `xml:"exception,attr"`
	Message   string `xml:",chardata"`
}

// StackFrame is one entry of a stack_get response.
type StackFrame struct {
	Level    int    `xml:"level,attr"`
	Type     string `xml:"type,attr"`
	Filename string `xml:"filename,attr"`
	Lineno   int    `xml:"lineno,attr"`
	Where    string `xml:"where,attr"`
	CmdBegin string `xml:"cmdbegin,attr"`
}

// Property is the raw XML form of a debuggee value.
type Property struct {
	Name        string     `xml:"name,attr"`
	Fullname    string     `xml:"fullname,attr"`
	Type        string     `xml:"type,attr"`
	Classname   string     `xml:"classname,attr"`
	Encoding    string     `xml:"encoding,attr"`
	Size        int        `xml:"size,attr"`
	NumChildren int        `xml:"numchildren,attr"`
	Children    []Property `xml:"property"`
	Text        string     `xml:",chardata"`
}

// Response is a parsed <response> packet.
type Response struct {
	XMLName       xml.Name       `xml:"response"`
	Command       string         `xml:"command,attr"`
	TransactionID int            `xml:"transaction_id,attr"`
	Status        string         `xml:"status,attr"`
	Reason        string         `xml:"reason,attr"`
	BreakpointID  string         `xml:"id,attr"`
	Error         *ResponseError `xml:"error"`
	Properties    []Property     `xml:"property"`
	Stack         []StackFrame   `xml:"stack"`
	Break         *BreakInfo     `xml:"message"`
}

// VarInfo is the decoded, recursive form of a debuggee value. Value is set
// only for leaves; Children only for compound values.
type VarInfo struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Value       any       `json:"value,omitempty"`
	Children    []VarInfo `json:"children,omitempty"`
	Classname   string    `json:"classname,omitempty"`
	Fullname    string    `json:"fullname,omitempty"`
	NumChildren int       `json:"numchildren,omitempty"`
	Truncated   bool      `json:"truncated,omitempty"`
}

// IsCompound reports whether the value carries children rather than a scalar.
func (v *VarInfo) IsCompound() bool {
	return v.Type == "array" || v.Type == "object" || v.Type == "hash"
}

// RootName extracts the local name of the root XML element so incoming
// packets can be routed before full unmarshalling.
func RootName(payload []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	dec.CharsetReader = passThroughCharset
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local
		}
	}
}

// ParseResponse unmarshals a <response> payload.
func ParseResponse(payload []byte) (*Response, error) {
	var resp Response
	dec := xml.NewDecoder(bytes.NewReader(payload))
	dec.CharsetReader = passThroughCharset
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("parsing DBGp response: %w", err)
	}
	return &resp, nil
}

// ParseInit unmarshals an <init> payload.
func ParseInit(payload []byte) (*Init, error) {
	var init Init
	dec := xml.NewDecoder(bytes.NewReader(payload))
	dec.CharsetReader = passThroughCharset
	if err := dec.Decode(&init); err != nil {
		return nil, fmt.Errorf("parsing DBGp init: %w", err)
	}
	return &init, nil
}

// passThroughCharset lets the decoder accept packets that declare a
// non-UTF-8 encoding such as iso-8859-1; the bytes are read as-is, without
// transcoding.
func passThroughCharset(_ string, input io.Reader) (io.Reader, error) {
	return input, nil
}

// DecodeProperty converts a raw Property into VarInfo. Text content flagged
// encoding="base64" is decoded to UTF-8 first; typed coercion then applies
// per the DBGp type attribute. truncated is set when the declared size
// exceeds what actually arrived.
func DecodeProperty(p Property) VarInfo {
	info := VarInfo{
		Name:        p.Name,
		Type:        p.Type,
		Classname:   p.Classname,
		Fullname:    p.Fullname,
		NumChildren: p.NumChildren,
	}

	if len(p.Children) > 0 {
		info.Children = make([]VarInfo, 0, len(p.Children))
		for _, c := range p.Children {
			info.Children = append(info.Children, DecodeProperty(c))
		}
		return info
	}
	if info.IsCompound() {
		// An empty array or object carries no scalar value.
		return info
	}

	text := strings.TrimSpace(p.Text)
	if p.Encoding == "base64" {
		if decoded, err := base64.StdEncoding.DecodeString(text); err == nil {
			text = string(decoded)
		}
	}
	if p.Size > len(text) {
		info.Truncated = true
	}
	info.Value = coerceValue(p.Type, text)
	return info
}

// coerceValue applies DBGp typed coercion to a decoded text value.
func coerceValue(typ, text string) any {
	switch typ {
	case "int", "integer":
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n
		}
		return text
	case "float", "double":
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f
		}
		return text
	case "bool", "boolean":
		return text == "1" || strings.EqualFold(text, "true")
	case "null", "uninitialized":
		return nil
	case "resource":
		return "[resource: " + text + "]"
	default:
		return maybeFileURI(text)
	}
}

// maybeFileURI decodes file:// values; everything else passes through.
func maybeFileURI(s string) string {
	if strings.HasPrefix(s, "file://") {
		return DecodeFileURI(s)
	}
	return s
}

// DecodeFileURI strips the file:// scheme and URL-decodes the remainder.
// Invalid escapes return the stripped value unchanged.
func DecodeFileURI(uri string) string {
	rest := strings.TrimPrefix(uri, "file://")
	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return rest
	}
	return decoded
}

// EncodeFileURI builds a file:// URI from a remote path, escaping characters
// that would break the DBGp argument grammar.
func EncodeFileURI(path string) string {
	escaped := (&url.URL{Path: path}).EscapedPath()
	return "file://" + escaped
}
