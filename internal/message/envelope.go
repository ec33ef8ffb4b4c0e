package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire wrapper around every published message. It is
// constructed fresh per publish and never mutated afterwards.
type Envelope struct {
	// Type is the message kind, e.g. "task.progress".
	Type Kind `json:"type"`
	// Timestamp is the publish time in epoch seconds.
	Timestamp float64 `json:"timestamp"`
	// Payload carries the per-kind fields plus any pass-through extras.
	Payload map[string]any `json:"payload"`
}

// SchemaError reports a payload that violates the required-field schema
// for its kind. Envelopes failing validation are never sent to transport.
type SchemaError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation for %s: field %q %s", e.Kind, e.Field, e.Reason)
}

// fieldType constrains the primitive type of a required payload field.
type fieldType int

const (
	fieldString fieldType = iota
	fieldNumber
)

type fieldSpec struct {
	name string
	typ  fieldType
}

// requiredFields is the closed per-kind schema. Extra caller-supplied
// key/value pairs are permitted and pass through unchanged.
var requiredFields = map[Kind][]fieldSpec{
	KindTaskProgress: {
		{"analysis_id", fieldString},
		{"current_step", fieldNumber},
		{"total_steps", fieldNumber},
		{"progress_percentage", fieldNumber},
		{"current_step_name", fieldString},
		{"current_step_description", fieldString},
		{"elapsed_time", fieldNumber},
		{"remaining_time", fieldNumber},
		{"last_message", fieldString},
	},
	KindTaskStatus: {
		{"analysis_id", fieldString},
		{"status", fieldString},
		{"message", fieldString},
		{"timestamp", fieldNumber},
	},
	KindModuleStart: {
		{"analysis_id", fieldString},
		{"module_name", fieldString},
		{"event", fieldString},
	},
	KindModuleComplete: {
		{"analysis_id", fieldString},
		{"module_name", fieldString},
		{"event", fieldString},
		{"duration", fieldNumber},
	},
	KindModuleError: {
		{"analysis_id", fieldString},
		{"module_name", fieldString},
		{"event", fieldString},
		{"error_message", fieldString},
	},
}

// Build stamps now into a fresh Envelope after validating the payload
// against the kind's schema. The payload map is copied so later caller
// mutations cannot leak into an already published envelope.
func Build(now time.Time, kind Kind, payload map[string]any) (Envelope, error) {
	specs, ok := requiredFields[kind]
	if !ok {
		return Envelope{}, &SchemaError{Kind: kind, Field: "type", Reason: "is not publishable"}
	}
	for _, spec := range specs {
		val, present := payload[spec.name]
		if !present {
			return Envelope{}, &SchemaError{Kind: kind, Field: spec.name, Reason: "is required"}
		}
		if !matchesType(val, spec.typ) {
			return Envelope{}, &SchemaError{Kind: kind, Field: spec.name, Reason: "has wrong type"}
		}
	}
	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		if !isWireValue(v) {
			return Envelope{}, &SchemaError{Kind: kind, Field: k, Reason: "is not a primitive or array of primitives"}
		}
		copied[k] = v
	}
	return Envelope{
		Type:      kind,
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		Payload:   copied,
	}, nil
}

// Decode parses a wire envelope and verifies its kind is known.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if _, err := ParseKind(string(env.Type)); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// AnalysisID extracts the job identifier from the payload, if present.
func (e Envelope) AnalysisID() (string, bool) {
	id, ok := e.Payload["analysis_id"].(string)
	return id, ok && id != ""
}

// Encode marshals the envelope for transport.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Time converts the epoch-seconds timestamp back into time.Time.
func (e Envelope) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

func matchesType(val any, typ fieldType) bool {
	switch typ {
	case fieldString:
		_, ok := val.(string)
		return ok
	case fieldNumber:
		return isNumber(val)
	default:
		return false
	}
}

func isNumber(val any) bool {
	switch val.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

// isWireValue allows primitives and arrays of primitives, one level deep.
func isWireValue(val any) bool {
	switch v := val.(type) {
	case nil:
		return false
	case string, bool, int, int32, int64, float32, float64:
		return true
	case []string, []int, []float64:
		return true
	case []any:
		for _, item := range v {
			if !isPrimitive(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func isPrimitive(val any) bool {
	switch val.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}
