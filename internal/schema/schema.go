// Package schema validates opaque request payloads against the JSON Schema a
// service declares for its input.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator compiles and caches schemas by content hash.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates an empty Validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Compile checks that raw is a usable JSON Schema and caches the result.
func (v *Validator) Compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := digest(raw)

	v.mu.RLock()
	compiled, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://agentpay.schemas.local/input/%s.schema.json", key)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load input schema: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}

	v.mu.Lock()
	v.compiled[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// Validate ensures payload is well-formed JSON and, when raw is non-empty,
// that it satisfies the schema.
func (v *Validator) Validate(raw json.RawMessage, payload json.RawMessage) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("payload is empty")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if decoder.More() {
		return fmt.Errorf("payload contains trailing data")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	compiled, err := v.Compile(raw)
	if err != nil {
		return err
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("payload does not match input schema: %w", err)
	}
	return nil
}

func digest(raw []byte) string {
	sum := sha256.Sum256(bytes.TrimSpace(raw))
	return hex.EncodeToString(sum[:8])
}
