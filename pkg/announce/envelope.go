/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package announce

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/closednet/closednet/pkg/crypto"
)

var (
	// ErrMalformedEnvelope is returned when an envelope record cannot be
	// decoded.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrBadSignature is returned when an envelope's signature does not
	// verify over its decrypted payload.
	ErrBadSignature = errors.New("envelope signature is invalid")
)

// Envelope is the record published to the directory.
type Envelope struct {
	// SenderPublicKey is the PEM encoded public key of the signer.
	SenderPublicKey []byte
	// Signature is the signature over the plaintext payload.
	Signature []byte
	// EncryptedPayload is the sealed plaintext payload.
	EncryptedPayload []byte
}

type envelopeJSON struct {
	SenderPublicKey  *string `json:"sender_public_key"`
	Signature        *string `json:"signature"`
	EncryptedPayload *string `json:"encrypted_payload"`
}

// Candidate is an envelope that decrypted and verified. It is not yet
// trusted: the sender has not been matched against a roster.
type Candidate struct {
	SenderPublicKey []byte
	Payload         Payload
}

// Build seals payload under secret and signs the plaintext with id.
func Build(id *crypto.Identity, secret crypto.GroupSecret, payload Payload) (*Envelope, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	plaintext, err := payload.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	sealed, err := crypto.Seal(plaintext, secret)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	sig, err := id.Sign(plaintext)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return &Envelope{
		SenderPublicKey:  id.PublicKeyPEM(),
		Signature:        sig,
		EncryptedPayload: sealed,
	}, nil
}

// BuildText is Build followed by Encode.
func BuildText(id *crypto.Identity, secret crypto.GroupSecret, payload Payload) (string, error) {
	env, err := Build(id, secret, payload)
	if err != nil {
		return "", err
	}
	data, err := env.Encode()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Encode returns the text form of the envelope: a JSON object with each
// field hex encoded.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.SenderPublicKey) == 0 || len(e.Signature) == 0 || len(e.EncryptedPayload) == 0 {
		return nil, fmt.Errorf("%w: missing field", ErrMalformedEnvelope)
	}
	pub := hex.EncodeToString(e.SenderPublicKey)
	sig := hex.EncodeToString(e.Signature)
	payload := hex.EncodeToString(e.EncryptedPayload)
	return json.Marshal(envelopeJSON{
		SenderPublicKey:  &pub,
		Signature:        &sig,
		EncryptedPayload: &payload,
	})
}

// DecodeEnvelope parses the text form of an envelope. Every field must be
// present and hold non-empty hex.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var raw envelopeJSON
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(data)))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedEnvelope)
	}
	var env Envelope
	fields := []struct {
		name string
		val  *string
		out  *[]byte
	}{
		{"sender_public_key", raw.SenderPublicKey, &env.SenderPublicKey},
		{"signature", raw.Signature, &env.Signature},
		{"encrypted_payload", raw.EncryptedPayload, &env.EncryptedPayload},
	}
	for _, f := range fields {
		if f.val == nil || *f.val == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, f.name)
		}
		b, err := hex.DecodeString(*f.val)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, f.name, err)
		}
		*f.out = b
	}
	return &env, nil
}

// Open decodes, decrypts and verifies an envelope record, returning why it
// was rejected on failure.
func Open(data []byte, secret crypto.GroupSecret) (*Candidate, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.Open(env.EncryptedPayload, secret)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(env.SenderPublicKey, plaintext, env.Signature) {
		return nil, ErrBadSignature
	}
	payload, err := UnmarshalPayload(plaintext)
	if err != nil {
		return nil, err
	}
	return &Candidate{
		SenderPublicKey: env.SenderPublicKey,
		Payload:         payload,
	}, nil
}

// Parse is Open with every failure collapsed to nil.
func Parse(data []byte, secret crypto.GroupSecret) *Candidate {
	c, err := Open(data, secret)
	if err != nil {
		return nil
	}
	return c
}
