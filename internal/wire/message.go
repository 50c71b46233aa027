package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kernelbridge/internal/errdefs"
)

// SignatureSchemeHMACSHA256 is the only signature scheme currently spoken.
const SignatureSchemeHMACSHA256 = "hmac-sha256"

// Message types used on the shell/iopub channels.
const (
	MsgExecuteRequest = "execute_request"
	MsgExecuteReply   = "execute_reply"
	MsgStream         = "stream"
	MsgStatus         = "status"
	MsgInterrupt      = "interrupt_request"
)

// Execution states carried by status messages.
const (
	StateBusy = "busy"
	StateIdle = "idle"
)

type Header struct {
	MsgID   string `json:"msg_id"`
	MsgType string `json:"msg_type"`
	Session string `json:"session"`
	Date    string `json:"date"`
}

// NewHeader stamps a fresh header for an outgoing message.
func NewHeader(msgType, session string) Header {
	return Header{
		MsgID:   uuid.NewString(),
		MsgType: msgType,
		Session: session,
		Date:    time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Message is one frame on a kernel channel. Content stays raw so the relay
// can republish it verbatim without re-marshalling surprises.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader *Header         `json:"parent_header,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
}

// DecodeContent unmarshals the message content into v.
func (m *Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("message %s has no content", m.Header.MsgType)
	}
	return json.Unmarshal(m.Content, v)
}

// ParentID returns the correlation id of the originating request, if any.
func (m *Message) ParentID() string {
	if m.ParentHeader == nil {
		return ""
	}
	return m.ParentHeader.MsgID
}

// NewMessage builds a message with marshaled content.
func NewMessage(msgType, session string, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &Message{Header: NewHeader(msgType, session), Content: raw}, nil
}

// Child builds a message whose parent header is m's header, preserving the
// front-end's correlation identity across the relay.
func (m *Message) Child(msgType string, content any) (*Message, error) {
	child, err := NewMessage(msgType, m.Header.Session, content)
	if err != nil {
		return nil, err
	}
	parent := m.Header
	child.ParentHeader = &parent
	return child, nil
}

// frame is the on-the-wire envelope: the signature plus the four signed
// segments, one JSON object per line.
type frame struct {
	Signature    string          `json:"signature"`
	Header       json.RawMessage `json:"header"`
	ParentHeader json.RawMessage `json:"parent_header"`
	Metadata     json.RawMessage `json:"metadata"`
	Content      json.RawMessage `json:"content"`
}

// Codec signs and verifies message frames. A codec with an empty key sends
// unsigned frames and skips verification.
type Codec struct {
	key    []byte
	scheme string
}

func NewCodec(key, scheme string) (*Codec, error) {
	if key == "" {
		return &Codec{}, nil
	}
	if scheme == "" {
		scheme = SignatureSchemeHMACSHA256
	}
	if scheme != SignatureSchemeHMACSHA256 {
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}
	return &Codec{key: []byte(key), scheme: scheme}, nil
}

func emptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func (c *Codec) sign(segments ...json.RawMessage) string {
	if len(c.key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, c.key)
	for _, seg := range segments {
		mac.Write(seg)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Encode marshals a message into a single-line signed frame (no trailing
// newline).
func (c *Codec) Encode(m *Message) ([]byte, error) {
	hdr, err := json.Marshal(m.Header)
	if err != nil {
		return nil, err
	}
	var parent json.RawMessage = json.RawMessage("{}")
	if m.ParentHeader != nil {
		parent, err = json.Marshal(m.ParentHeader)
		if err != nil {
			return nil, err
		}
	}
	meta := emptyObject(m.Metadata)
	content := emptyObject(m.Content)
	f := frame{
		Signature:    c.sign(hdr, parent, meta, content),
		Header:       hdr,
		ParentHeader: parent,
		Metadata:     meta,
		Content:      content,
	}
	return json.Marshal(f)
}

// Decode parses and verifies one frame. Malformed frames and signature
// mismatches surface as ProtocolError.
func (c *Codec) Decode(line []byte) (*Message, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, &errdefs.ProtocolError{Reason: fmt.Sprintf("malformed frame: %v", err)}
	}
	if len(f.Header) == 0 {
		return nil, &errdefs.ProtocolError{Reason: "frame has no header"}
	}
	if len(c.key) != 0 {
		want := c.sign(emptyObject(f.Header), emptyObject(f.ParentHeader), emptyObject(f.Metadata), emptyObject(f.Content))
		if !hmac.Equal([]byte(want), []byte(f.Signature)) {
			return nil, &errdefs.ProtocolError{Reason: "signature mismatch"}
		}
	}
	var m Message
	if err := json.Unmarshal(f.Header, &m.Header); err != nil {
		return nil, &errdefs.ProtocolError{Reason: fmt.Sprintf("malformed header: %v", err)}
	}
	if len(f.ParentHeader) > 0 && string(f.ParentHeader) != "{}" {
		var parent Header
		if err := json.Unmarshal(f.ParentHeader, &parent); err != nil {
			return nil, &errdefs.ProtocolError{Reason: fmt.Sprintf("malformed parent header: %v", err)}
		}
		m.ParentHeader = &parent
	}
	m.Metadata = f.Metadata
	m.Content = f.Content
	return &m, nil
}
