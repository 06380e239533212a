package executor

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Kind classifies a Message.
type Kind string

// Message kinds.
const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// Message is the unit exchanged on the executor channel. Requests and their
// responses share ID; notifications carry no ID and expect no reply.
type Message struct {
	Kind   Kind            `json:"kind"`
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewRequest builds a request message.
func NewRequest(id uint64, method string, params any) (Message, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return Message{}, fmt.Errorf("request %s: %w", method, err)
	}

	return Message{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (Message, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return Message{}, fmt.Errorf("notification %s: %w", method, err)
	}

	return Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResponse builds the response to request id. A non-nil failure is
// carried as the message error and result is dropped.
func NewResponse(id uint64, result any, failure error) (Message, error) {
	if failure != nil {
		return Message{Kind: KindResponse, ID: id, Error: failure.Error()}, nil
	}

	raw, err := encodeParams(result)
	if err != nil {
		return Message{}, fmt.Errorf("response %d: %w", id, err)
	}

	return Message{Kind: KindResponse, ID: id, Params: raw}, nil
}

// Decode unmarshals the message params into v.
func (m Message) Decode(v any) error {
	if len(m.Params) == 0 {
		return nil
	}

	err := json.Unmarshal(m.Params, v)
	if err != nil {
		return fmt.Errorf("decode %s params: %w", m.Method, err)
	}

	return nil
}

// Err returns the error carried by a response, or nil.
func (m Message) Err() error {
	if m.Error == "" {
		return nil
	}

	return errors.New(m.Error)
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	return raw, nil
}
