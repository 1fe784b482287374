// Package protocol defines the bridge wire format: the framed envelope,
// the message kinds and one typed body per kind.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is the envelope exchanged between bridge and agents. Every
// transport delivery carries exactly one frame.
type Frame struct {
	// Kind selects the body type.
	Kind Kind `json:"_type"`

	// Nonce correlates a response with its request. Frames without a
	// nonce are fire-and-forget.
	Nonce string `json:"nonce,omitempty"`

	// AuthToken carries the shared secret on the handshake frame.
	AuthToken string `json:"authToken,omitempty"`

	// Agent is the role tag announced on the handshake frame.
	Agent string `json:"agent,omitempty"`

	// Error is set on failed responses and on the access-denied frame.
	Error string `json:"error,omitempty"`

	// Body is the kind-specific payload encoded with the frame's codec.
	Body json.RawMessage `json:"body,omitempty"`
}

// IsResponse reports whether the frame answers a request.
func (f *Frame) IsResponse() bool {
	switch f.Kind {
	case KindCustomReply,
		KindHeartbeatAck,
		KindClientBroadcastResponse,
		KindServerBroadcastResponse,
		KindGuildDataResponse,
		KindGuildEvalResponse,
		KindClientDataResponse,
		KindCacheSetResponse,
		KindCacheGetResponse,
		KindCacheDeleteResponse,
		KindCacheClearResponse:
		return true
	}
	return false
}

// Err returns the remote error carried by the frame, if any.
func (f *Frame) Err() error {
	if f.Error == "" {
		return nil
	}
	return &RemoteError{Message: f.Error}
}

// RemoteError is a failure reported by the peer inside a normal response.
// The wire has no error codes, only the free-text message.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// IsRemote reports whether err was reported by the peer.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// ErrEmptyBody is returned by DecodeBody when the frame carries no body.
var ErrEmptyBody = errors.New("protocol: empty body")

// NewFrame encodes body with codec and wraps it in a frame of the given
// kind. A nil body produces a frame without payload.
func NewFrame(codec Codec, kind Kind, nonce string, body any) (*Frame, error) {
	f := &Frame{Kind: kind, Nonce: nonce}
	if body == nil {
		return f, nil
	}
	raw, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s body: %w", kind, err)
	}
	f.Body = raw
	return f, nil
}

// NewErrorFrame builds a failed response to nonce.
func NewErrorFrame(kind Kind, nonce, message string) *Frame {
	return &Frame{Kind: kind, Nonce: nonce, Error: message}
}

// DecodeBody decodes the frame body into v.
func DecodeBody(codec Codec, f *Frame, v any) error {
	if len(f.Body) == 0 {
		return ErrEmptyBody
	}
	if err := codec.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("protocol: decode %s body: %w", f.Kind, err)
	}
	return nil
}

// Encode serializes a frame.
func Encode(codec Codec, f *Frame) ([]byte, error) {
	return codec.Marshal(f)
}

// Decode parses a serialized frame.
func Decode(codec Codec, data []byte) (*Frame, error) {
	var f Frame
	if err := codec.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	return &f, nil
}
