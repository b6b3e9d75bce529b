// Package events implements the stigmergic message bus: authenticated
// pub/sub and reliable streams over a replicated redis deployment, with a
// bounded local buffer and automatic failover.
package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Envelope wraps every published payload. The signature is HMAC-SHA256 over
// the canonical JSON form of the payload using an engagement-scoped key;
// subscribers drop envelopes that do not verify. Raw publishes bypassing the
// envelope are ignored by subscribers.
type Envelope struct {
	Payload      json.RawMessage `json:"payload"`
	Signature    string          `json:"signature"`
	Timestamp    string          `json:"timestamp"`
	EngagementID string          `json:"engagement_id"`
}

// canonicalJSON re-encodes a JSON document deterministically: objects get
// sorted keys and no insignificant whitespace, which encoding/json produces
// for map values.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return json.Marshal(v)
}

// signPayload computes the base64 envelope signature for a payload.
func signPayload(payload json.RawMessage, key []byte) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Seal wraps a payload value in a signed envelope.
func Seal(payload interface{}, engagementID, timestamp string, key []byte) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	sig, err := signPayload(raw, key)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Payload:      raw,
		Signature:    sig,
		Timestamp:    timestamp,
		EngagementID: engagementID,
	}, nil
}

// Verify recomputes the payload signature and compares in constant time.
func (e *Envelope) Verify(key []byte) bool {
	expected, err := signPayload(e.Payload, key)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(e.Signature))
}

// Open verifies and decodes an envelope from the wire. It returns false for
// anything that is not a well-formed, correctly signed envelope.
func Open(data []byte, key []byte) (*Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	if len(env.Payload) == 0 || env.Signature == "" {
		return nil, false
	}
	if !env.Verify(key) {
		return nil, false
	}
	return &env, true
}
