package syncstore

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// frames are the message-channel contract between replicas and the host.
// the envelope is json; values use tagged mappings for the scalar types
// that plain json cannot carry (dates, patterns, the delete marker)

type FrameType string

const (
	FrameTypeAuth    FrameType = "auth"
	FrameTypeGet     FrameType = "get"
	FrameTypeSet     FrameType = "set"
	FrameTypeSetKey  FrameType = "setKey"
	FrameTypeReset   FrameType = "reset"
	FrameTypeAck     FrameType = "ack"
	FrameTypeError   FrameType = "error"
	FrameTypeChanged FrameType = "changed"
)

const (
	tagTime   = "$time"
	tagRegexp = "$regexp"
	tagAbsent = "$absent"
	tagRaw    = "$raw"
)

type Frame struct {
	Type      FrameType `json:"type"`
	RequestId *Id       `json:"requestId,omitempty"`
	Store     string    `json:"store,omitempty"`
	Key       string    `json:"key,omitempty"`
	Value     any       `json:"value,omitempty"`
	Error     string    `json:"error,omitempty"`
	Token     string    `json:"token,omitempty"`
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	out := *frame
	out.Value = encodeValue(frame.Value)
	return json.Marshal(&out)
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	value, err := decodeValue(frame.Value)
	if err != nil {
		return nil, err
	}
	frame.Value = value
	return frame, nil
}

// EncodeValueJSON serializes a model value as standalone json,
// with the same scalar tagging as frame payloads.
// used by persistence middleware to store documents
func EncodeValueJSON(v any) ([]byte, error) {
	return json.Marshal(encodeValue(v))
}

func DecodeValueJSON(b []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return decodeValue(raw)
}

func isTagged(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	for k := range m {
		switch k {
		case tagTime, tagRegexp, tagAbsent, tagRaw:
			return true
		}
	}
	return false
}

// encodeValue maps a model value onto plain json types
func encodeValue(v any) any {
	switch t := v.(type) {
	case absentValue:
		return map[string]any{tagAbsent: true}
	case time.Time:
		return map[string]any{tagTime: t.Format(time.RFC3339Nano)}
	case *regexp.Regexp:
		if t == nil {
			return nil
		}
		return map[string]any{tagRegexp: t.String()}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = encodeValue(e)
		}
		if isTagged(t) {
			// a literal user mapping that collides with a tag
			return map[string]any{tagRaw: out}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = encodeValue(e)
		}
		return out
	default:
		return v
	}
}

// decodeValue restores model values from plain json types.
// reserved keys are dropped here as well as at merge
func decodeValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if raw, ok := t[tagTime]; ok {
				s, ok := raw.(string)
				if !ok {
					return nil, fmt.Errorf("bad %s tag: %T", tagTime, raw)
				}
				parsed, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return nil, err
				}
				return parsed, nil
			}
			if raw, ok := t[tagRegexp]; ok {
				s, ok := raw.(string)
				if !ok {
					return nil, fmt.Errorf("bad %s tag: %T", tagRegexp, raw)
				}
				compiled, err := regexp.Compile(s)
				if err != nil {
					return nil, err
				}
				return compiled, nil
			}
			if _, ok := t[tagAbsent]; ok {
				return Absent, nil
			}
			if raw, ok := t[tagRaw]; ok {
				inner, ok := raw.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("bad %s tag: %T", tagRaw, raw)
				}
				out := make(map[string]any, len(inner))
				for k, e := range inner {
					if reservedKeys[k] {
						continue
					}
					decoded, err := decodeValue(e)
					if err != nil {
						return nil, err
					}
					out[k] = decoded
				}
				return out, nil
			}
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			if reservedKeys[k] {
				continue
			}
			decoded, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			decoded, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return v, nil
	}
}
