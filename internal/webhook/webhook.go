// Package webhook ingests provider callbacks. Handlers never let a malformed
// body escape as a panic and answer orphaned events with 200 so providers stop
// retrying.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"signgate/internal/middleware"
	"signgate/internal/util"
)

const maxBodyBytes = 1 << 20

// readJSON returns the raw body and its decoded object form.
func readJSON(w http.ResponseWriter, r *http.Request) ([]byte, map[string]any, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			util.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body too large", middleware.RequestID(r.Context()))
			return nil, nil, false
		}
		util.WriteError(w, http.StatusBadRequest, "invalid_body", "could not read body", middleware.RequestID(r.Context()))
		return nil, nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil || m == nil {
		util.WriteError(w, http.StatusBadRequest, "invalid_json", "body must be a JSON object", middleware.RequestID(r.Context()))
		return nil, nil, false
	}
	return body, m, true
}

func object(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

// str returns the first non-empty string (or integral number) under keys.
func str(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			if v == float64(int64(v)) {
				return strconv.FormatInt(int64(v), 10)
			}
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// failure reports a local persistence failure. With ack set the provider still
// gets 200 and the anomaly is left in the log for remediation.
func failure(w http.ResponseWriter, log *zap.Logger, ack bool, rid string, err error, fields []zap.Field) {
	log.Error("webhook processing failed", append(fields, zap.Error(err))...)
	if ack {
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "error", "reason": "processing_failed", "request_id": rid})
		return
	}
	util.WriteError(w, http.StatusInternalServerError, "processing_failed", "webhook processing failed", rid)
}
