package network

import (
	"encoding/json"
	"fmt"

	"github.com/cmwaters/mempool/core"
)

// Encode serializes a peer message for the wire.
//
// The encoding is json, the same envelope is used by every transport.
func Encode(msg *core.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a message produced by Encode and checks its form. Signatures
// and payloads are verified by the core.
func Decode(data []byte) (*core.Message, error) {
	var msg core.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if err := msg.ValidateForm(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MaxMessageSize bounds the encoded size of any valid message given the
// maximum batch payload size. Transports use it to cap reads.
func MaxMessageSize(maxPayloadSize int) int {
	// payload bytes are base64 encoded
	payload := (maxPayloadSize + 2) / 3 * 4
	// each digest is 64 hex characters plus quotes and a separator
	digests := core.MaxSyncDigests * (2*core.DigestSize + 3)
	return max(payload, digests) + 1024
}
