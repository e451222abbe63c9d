package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// CodeInvalidInput marks a codec call with nothing to encode or decode.
const CodeInvalidInput = "INVALID_INPUT"

// JSONEncode encodes a value to JSON bytes (fail-fast)
func JSONEncode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, &Error{Code: CodeInvalidInput, Message: "cannot encode nil value"}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}
	return data, nil
}

// JSONDecode decodes one JSON document into v (fail-fast). Surrounding
// whitespace is ignored; trailing data after the document is an error.
func JSONDecode(data []byte, v interface{}) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return &Error{Code: CodeInvalidInput, Message: "cannot decode empty data"}
	}
	if v == nil {
		return &Error{Code: CodeInvalidInput, Message: "cannot decode into nil value"}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	if dec.More() {
		return errors.New("json decode failed: trailing data after document")
	}
	return nil
}
