// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package envelope

import (
	"github.com/goccy/go-json"
)

// Status discriminates the two branches of an RPC result.
type Status string

const (
	// StatusSuccess indicates the handler completed and Data holds its
	// return value.
	StatusSuccess Status = "success"
	// StatusError indicates the handler failed and ErrorMessage holds
	// the reason.
	StatusError Status = "error"
)

// Result is the RPC response wire shape. The field names and the exact
// two-branch structure are part of the protocol contract.
type Result struct {
	Status       Status          `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Success builds a success result from a handler return value.
func Success(v any) (*Result, error) {
	var raw json.RawMessage
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Result{Status: StatusSuccess, Data: raw}, nil
}

// Failure builds an error result from a handler error.
func Failure(err error) *Result {
	msg := "error"
	if err != nil {
		msg = err.Error()
	}
	return &Result{Status: StatusError, ErrorMessage: msg}
}

// IsSuccess reports whether the result carries the success branch.
func (r *Result) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Decode unmarshals the success data into v.
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Marshal serializes the result for the reply topic.
func (r *Result) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalResult parses a result from wire bytes.
func UnmarshalResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
