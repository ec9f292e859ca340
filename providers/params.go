package providers

import "encoding/json"

// Parameter conversion rules shared by the adapters. Out-of-range sampling
// values are silently clamped rather than rejected.

// ClampTemperature clamps t into [0, max]. OpenAI-compatible vendors take
// max=2; Anthropic and Gemini take max=1.
func ClampTemperature(t *float64, max float64) *float64 {
	if t == nil {
		return nil
	}
	v := *t
	if v < 0 {
		v = 0
	}
	if v > max {
		v = max
	}
	return &v
}

// ClampTopP clamps p into [0, 1].
func ClampTopP(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

// CapStop returns at most n stop sequences. Anthropic caps at 5.
func CapStop(stop []string, n int) []string {
	if len(stop) <= n {
		return stop
	}
	return stop[:n]
}

// MarshalStop encodes stop sequences for OpenAI-compatible bodies: a bare
// string when exactly one, an array otherwise, absent when empty.
func MarshalStop(stop []string) (json.RawMessage, error) {
	switch len(stop) {
	case 0:
		return nil, nil
	case 1:
		return json.Marshal(stop[0])
	default:
		return json.Marshal(stop)
	}
}

// UnmarshalStop decodes a stop field that may be a string or an array.
func UnmarshalStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Float64Ptr and IntPtr build optional parameters in call sites and tests.
func Float64Ptr(v float64) *float64 { return &v }
func IntPtr(v int) *int             { return &v }

// MaxTokensOrDefault returns *req.MaxTokens or def for vendors that
// require the field.
func MaxTokensOrDefault(v *int, def int) int {
	if v != nil && *v > 0 {
		return *v
	}
	return def
}
