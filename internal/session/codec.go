package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Field names the core reads and writes inside a session payload.
const (
	KeyUsername             = "username"
	KeyAuthenticated        = "authenticated"
	KeyRemoteIP             = "remote_ip"
	KeyUserAgent            = "user_agent"
	KeyLastLogin            = "last_login"
	KeyInvalidRevalidations = "invalid_revalidation_count"
	KeyRevalidated          = "revalidated"
	KeyPersistent           = "persistent_login_active"
	KeyUserKey              = "user_key"
	KeyAutologinCookie      = "autologin_cookie_flag"
)

// Values is the decoded session payload. Keys the core does not know about
// are carried through untouched.
type Values map[string]any

func (v Values) Has(key string) bool {
	_, ok := v[key]
	return ok
}

func (v Values) Set(key string, value any) {
	v[key] = value
}

func (v Values) Delete(key string) {
	delete(v, key)
}

// String returns the value as a string, or "" when absent or not textual.
func (v Values) String(key string) string {
	switch value := v[key].(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	case fmt.Stringer:
		return value.String()
	default:
		return ""
	}
}

// Bool interprets the value loosely: true, non-zero numbers and "1"/"true"/"on".
func (v Values) Bool(key string) bool {
	switch value := v[key].(type) {
	case bool:
		return value
	case string:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "on", "yes":
			return true
		}
		return false
	case nil:
		return false
	default:
		n, ok := v.Int64(key)
		return ok && n != 0
	}
}

// Int64 returns the numeric value stored under key.
func (v Values) Int64(key string) (int64, bool) {
	switch value := v[key].(type) {
	case int:
		return int64(value), true
	case int32:
		return int64(value), true
	case int64:
		return value, true
	case float64:
		return int64(value), true
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return n, true
		}
		if f, err := value.Float64(); err == nil {
			return int64(f), true
		}
		return 0, false
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for key, value := range v {
		out[key] = value
	}
	return out
}

// Codec converts between stored payloads and Values.
type Codec interface {
	Encode(values Values) ([]byte, error)
	Decode(data []byte) (Values, error)
}

// JSONCodec stores payloads as JSON objects. Numbers decode as json.Number so
// integers survive the round trip exactly.
type JSONCodec struct{}

func (JSONCodec) Encode(values Values) ([]byte, error) {
	if values == nil {
		values = Values{}
	}
	return json.Marshal(map[string]any(values))
}

func (JSONCodec) Decode(data []byte) (Values, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Values{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	values := Values{}
	if err := decoder.Decode(&values); err != nil {
		return nil, fmt.Errorf("session: decode payload: %w", err)
	}
	if values == nil {
		values = Values{}
	}
	return values, nil
}
