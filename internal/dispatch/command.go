package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Request is a decoded sendSms command. MaxRetries nil means the default budget.
type Request struct {
	JobID      string `json:"jobId"`
	To         string `json:"to"`
	Body       string `json:"body"`
	MaxRetries *int   `json:"maxRetries,omitempty"`
}

// Validate reports the first missing required field.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.JobID) == "":
		return &MissingArgumentError{Field: "jobId"}
	case strings.TrimSpace(r.To) == "":
		return &MissingArgumentError{Field: "to"}
	case r.Body == "":
		return &MissingArgumentError{Field: "body"}
	}
	return nil
}

// DecodeSendSms reads a sendSms command from a loosely typed argument map,
// as delivered by method-call bridges.
func DecodeSendSms(args map[string]any) (Request, error) {
	var req Request
	var err error
	if req.JobID, err = stringArg(args, "jobId"); err != nil {
		return Request{}, err
	}
	if req.To, err = stringArg(args, "to"); err != nil {
		return Request{}, err
	}
	if req.Body, err = stringArg(args, "body"); err != nil {
		return Request{}, err
	}
	if v, ok := args["maxRetries"]; ok && v != nil {
		n, err := intArg("maxRetries", v)
		if err != nil {
			return Request{}, err
		}
		req.MaxRetries = &n
	}
	return req, req.Validate()
}

// DecodeSendSmsJSON decodes a JSON sendSms command. Unknown fields are rejected.
func DecodeSendSmsJSON(b []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode sendSms: %w", err)
	}
	if req.MaxRetries != nil {
		if _, err := intArg("maxRetries", *req.MaxRetries); err != nil {
			return Request{}, err
		}
	}
	return req, req.Validate()
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", &MissingArgumentError{Field: key}
	}
	s, ok := v.(string)
	if !ok {
		return "", &InvalidArgumentError{Field: key, Reason: fmt.Sprintf("want string, got %T", v)}
	}
	return s, nil
}

// maxIntArg keeps integer arguments representable on 32-bit platforms.
const maxIntArg = math.MaxInt32

func intArg(key string, v any) (int, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int64:
		n = x
	case float64:
		if x != math.Trunc(x) {
			return 0, &InvalidArgumentError{Field: key, Reason: "not an integer"}
		}
		if x < 0 || x > maxIntArg {
			return 0, &InvalidArgumentError{Field: key, Reason: fmt.Sprintf("must be between 0 and %d", maxIntArg)}
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, &InvalidArgumentError{Field: key, Reason: err.Error()}
		}
		n = i
	default:
		return 0, &InvalidArgumentError{Field: key, Reason: fmt.Sprintf("want integer, got %T", v)}
	}
	if n < 0 || n > maxIntArg {
		return 0, &InvalidArgumentError{Field: key, Reason: fmt.Sprintf("must be between 0 and %d", maxIntArg)}
	}
	return int(n), nil
}
