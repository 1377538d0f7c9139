// Package signature authenticates inbound provider webhooks.
//
// Identity-provider calls are accepted when any one of three HMAC-SHA256
// schemes matches, tried in order: canonical JSON ("v2" header), composite
// fields ("simple" header) and raw body (legacy header). A timestamp header,
// when present, must be within MaxSkew of the current time.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderV2        = "X-Signature-V2"
	HeaderSimple    = "X-Signature-Simple"
	HeaderLegacy    = "X-Signature"
	HeaderTimestamp = "X-Timestamp"

	MaxSkew = 5 * time.Minute

	// Values above this are treated as milliseconds.
	millisecondThreshold = 1_000_000_000_000
)

const (
	SchemeCanonical = "canonical_json"
	SchemeComposite = "composite"
	SchemeRawBody   = "raw_body"
	SchemeNone      = "none"
)

const (
	ReasonMissingSignature    = "missing_signature"
	ReasonInvalidSignature    = "invalid_signature"
	ReasonStaleTimestamp      = "stale_timestamp"
	ReasonInvalidTimestamp    = "invalid_timestamp"
	ReasonSecretNotConfigured = "secret_not_configured"
)

type Result struct {
	Valid bool
	// Verified is false for plaintext acceptance without a configured secret.
	Verified bool
	Scheme   string
	Reason   string
}

type Verifier struct {
	secret        []byte
	requireSecret bool
}

// NewVerifier builds a verifier for one integration. With an empty secret every
// request is accepted unverified unless requireSecret is set.
func NewVerifier(secret string, requireSecret bool) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), requireSecret: requireSecret}
}

func (v *Verifier) Configured() bool { return len(v.secret) > 0 }

func (v *Verifier) Verify(h http.Header, body []byte, now time.Time) Result {
	if !v.Configured() {
		if v.requireSecret {
			return Result{Reason: ReasonSecretNotConfigured}
		}
		return Result{Valid: true, Scheme: SchemeNone}
	}

	v2 := strings.TrimSpace(h.Get(HeaderV2))
	simple := strings.TrimSpace(h.Get(HeaderSimple))
	legacy := strings.TrimSpace(h.Get(HeaderLegacy))
	if v2 == "" && simple == "" && legacy == "" {
		return Result{Reason: ReasonMissingSignature}
	}

	tsHeader := strings.TrimSpace(h.Get(HeaderTimestamp))
	if tsHeader != "" {
		ts, err := ParseTimestamp(tsHeader)
		if err != nil {
			return Result{Reason: ReasonInvalidTimestamp}
		}
		if skew := now.Sub(ts); skew > MaxSkew || skew < -MaxSkew {
			return Result{Reason: ReasonStaleTimestamp}
		}
	}

	if v2 != "" {
		if canonical, err := CanonicalJSON(body); err == nil && v.matches(canonical, v2) {
			return Result{Valid: true, Verified: true, Scheme: SchemeCanonical}
		}
	}
	if simple != "" {
		if composite, ok := compositeString(body, tsHeader); ok && v.matches([]byte(composite), simple) {
			return Result{Valid: true, Verified: true, Scheme: SchemeComposite}
		}
	}
	if legacy != "" && v.matches(body, legacy) {
		return Result{Valid: true, Verified: true, Scheme: SchemeRawBody}
	}
	return Result{Reason: ReasonInvalidSignature}
}

// Sign returns the hex HMAC-SHA256 of msg.
func Sign(secret string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *Verifier) matches(msg []byte, provided string) bool {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	got, err := hex.DecodeString(strings.ToLower(provided))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(msg)
	return hmac.Equal(mac.Sum(nil), got)
}

// ParseTimestamp accepts unix seconds or milliseconds.
func ParseTimestamp(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if ferr != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
		}
		n = int64(f)
	}
	if n <= 0 {
		return time.Time{}, fmt.Errorf("timestamp %q out of range", raw)
	}
	if n >= millisecondThreshold {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}

// CompositeString builds "timestamp:sessionId:status:eventType" for the simple scheme.
func CompositeString(timestamp, sessionID, status, eventType string) string {
	return timestamp + ":" + sessionID + ":" + status + ":" + eventType
}

func compositeString(body []byte, tsHeader string) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return "", false
	}
	data, _ := payload["data"].(map[string]any)
	ts := tsHeader
	if ts == "" {
		ts = firstString(payload, "timestamp", "created_at")
	}
	sessionID := firstString(data, "session_id")
	if sessionID == "" {
		sessionID = firstString(payload, "session_id")
	}
	status := firstString(data, "status")
	if status == "" {
		status = firstString(payload, "status")
	}
	eventType := firstString(payload, "webhook_type", "event", "type")
	return CompositeString(ts, sessionID, status, eventType), true
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch x := m[k].(type) {
		case string:
			if x != "" {
				return x
			}
		case json.Number:
			return x.String()
		}
	}
	return ""
}

// MatchSecret compares a shared-secret header in constant time.
func MatchSecret(provided, secret string) bool {
	provided = strings.TrimSpace(provided)
	secret = strings.TrimSpace(secret)
	if provided == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
}
