package transmission

import (
	"encoding/json"
	"fmt"
)

const resultSuccess = "success"

// Request is a Transmission RPC request envelope.
type Request struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
	Tag       int64  `json:"tag"`
}

// Response is a Transmission RPC response envelope.
type Response struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Tag       int64           `json:"tag"`
}

// Parse parses a Transmission RPC response.
func Parse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing RPC response: %w", err)
	}

	return &resp, nil
}

// Err returns the daemon error carried by the response, if any.
func (r *Response) Err() error {
	if r.Result == resultSuccess {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrRPC, r.Result)
}

// ParseArguments parses the arguments field into the provided type.
func (r *Response) ParseArguments(v any) error {
	if r.Arguments == nil {
		return fmt.Errorf("response has no arguments field")
	}

	if err := json.Unmarshal(r.Arguments, v); err != nil {
		return fmt.Errorf("parsing arguments: %w", err)
	}

	return nil
}
