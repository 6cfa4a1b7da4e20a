package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Key prefixes. The prefix is the first component of every key preimage so
// keys of different kinds can never collide even with equal components.
const (
	KeyPrefixStep       = "step"
	KeyPrefixEvent      = "event"
	KeyPrefixSideEffect = "effect"
	KeyPrefixJoin       = "join"
)

// Hash returns the lowercase hex SHA-256 of v's canonical JSON encoding.
func Hash(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return sha256Hex(canonical), nil
}

// MustHash is like Hash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// composeKey hashes the pipe-joined components. Components are ids, hashes
// or integers, none of which may contain '|'.
func composeKey(parts ...string) string {
	return sha256Hex([]byte(strings.Join(parts, "|")))
}

// StepIdempotencyKey identifies one advancement of one token through one
// node at one entity version.
func StepIdempotencyKey(instanceID, nodeID, tokenID string, entityVersion int64) string {
	return composeKey(KeyPrefixStep, instanceID, nodeID, tokenID, strconv.FormatInt(entityVersion, 10))
}

// EventIdempotencyKey identifies one outbox event. The payload takes part
// through its canonical hash, so key order inside the payload is irrelevant.
func EventIdempotencyKey(instanceID, eventType string, payload any, entityVersion int64) (string, error) {
	payloadHash, err := Hash(payload)
	if err != nil {
		return "", fmt.Errorf("EventIdempotencyKey: %w", err)
	}
	return composeKey(KeyPrefixEvent, instanceID, eventType, payloadHash, strconv.FormatInt(entityVersion, 10)), nil
}

// SideEffectIdempotencyKey identifies one side effect requested by a step.
func SideEffectIdempotencyKey(stepID, effectType string, payload any) (string, error) {
	payloadHash, err := Hash(payload)
	if err != nil {
		return "", fmt.Errorf("SideEffectIdempotencyKey: %w", err)
	}
	return composeKey(KeyPrefixSideEffect, stepID, effectType, payloadHash), nil
}

// JoinIdempotencyKey identifies one firing of a join node for one split epoch.
func JoinIdempotencyKey(instanceID, joinNodeID string, entityVersion, epoch int64) string {
	return composeKey(KeyPrefixJoin, instanceID, joinNodeID,
		strconv.FormatInt(entityVersion, 10), strconv.FormatInt(epoch, 10))
}

// MustEventIdempotencyKey is like EventIdempotencyKey but panics on error.
func MustEventIdempotencyKey(instanceID, eventType string, payload any, entityVersion int64) string {
	k, err := EventIdempotencyKey(instanceID, eventType, payload, entityVersion)
	if err != nil {
		panic(err)
	}
	return k
}
