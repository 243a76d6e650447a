package domain

import (
	"encoding/json"
	"fmt"
)

// DefaultQueue is used when neither the caller nor handler defaults name a queue
const DefaultQueue = "default"

// Payload is the serialized form of a job: a handler name and its arguments
type Payload struct {
	Klass string `json:"klass"`
	Args  Args   `json:"args"`
}

// Args holds job arguments as raw JSON values, decoded lazily by the handler
type Args []json.RawMessage

// Len returns the number of arguments
func (a Args) Len() int {
	return len(a)
}

// Bind decodes arguments positionally into targets. Extra arguments are
// ignored; missing ones leave the target untouched.
func (a Args) Bind(targets ...any) error {
	for i, target := range targets {
		if i >= len(a) {
			return nil
		}
		if err := json.Unmarshal(a[i], target); err != nil {
			return fmt.Errorf("%w: argument %d: %v", ErrInvalidPayload, i, err)
		}
	}
	return nil
}

// EncodePayload serializes a handler name and arguments
func EncodePayload(klass string, args []any) ([]byte, error) {
	if klass == "" {
		return nil, fmt.Errorf("%w: handler name is required", ErrInvalidPayload)
	}
	if args == nil {
		args = []any{}
	}

	data, err := json.Marshal(struct {
		Klass string `json:"klass"`
		Args  []any  `json:"args"`
	}{Klass: klass, Args: args})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return data, nil
}

// DecodePayload parses a serialized job
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Klass == "" {
		return nil, fmt.Errorf("%w: missing klass", ErrInvalidPayload)
	}
	if p.Args == nil {
		p.Args = Args{}
	}
	return &p, nil
}
