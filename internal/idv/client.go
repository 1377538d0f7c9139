// Package idv talks to the identity-verification provider's session API.
package idv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"signgate/internal/config"
	"signgate/internal/errs"
	"signgate/internal/logging"
)

var ErrNotConfigured = errors.New("identity provider not configured")

const maxResponseBytes = 1 << 20

type SessionRequest struct {
	VendorData   string
	Email        string
	ExpectedName string
}

type Session struct {
	SessionID string
	URL       string
}

type Decision struct {
	SessionID string
	Status    string
	Reason    string
	Raw       []byte
}

type Client struct {
	baseURL     string
	apiKey      string
	workflowID  string
	callbackURL string
	client      *http.Client
	log         *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.IDVBaseURL, "/"),
		apiKey:      strings.TrimSpace(cfg.IDVAPIKey),
		workflowID:  strings.TrimSpace(cfg.IDVWorkflowID),
		callbackURL: strings.TrimSpace(cfg.IDVCallbackURL),
		client:      &http.Client{Timeout: cfg.IDVTimeout()},
		log:         logging.OrNop(log).Named("idv"),
	}
}

type createSessionBody struct {
	WorkflowID      string           `json:"workflow_id"`
	Callback        string           `json:"callback,omitempty"`
	VendorData      string           `json:"vendor_data,omitempty"`
	ContactDetails  *contactDetails  `json:"contact_details,omitempty"`
	ExpectedDetails *expectedDetails `json:"expected_details,omitempty"`
}

type contactDetails struct {
	Email string `json:"email"`
}

type expectedDetails struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if c.apiKey == "" || c.workflowID == "" {
		return Session{}, errs.Upstream(http.StatusServiceUnavailable, "identity provider not configured", ErrNotConfigured)
	}
	body := createSessionBody{
		WorkflowID: c.workflowID,
		Callback:   c.callbackURL,
		VendorData: req.VendorData,
	}
	if req.Email != "" {
		body.ContactDetails = &contactDetails{Email: req.Email}
	}
	if first, last := splitName(req.ExpectedName); first != "" {
		body.ExpectedDetails = &expectedDetails{FirstName: first, LastName: last}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Session{}, fmt.Errorf("encode session request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/session/", bytes.NewReader(raw))
	if err != nil {
		return Session{}, fmt.Errorf("build session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(httpReq, "create_session")
	if err != nil {
		return Session{}, err
	}
	var out createSessionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Session{}, errs.Upstream(http.StatusBadGateway, "malformed session response", err)
	}
	if out.SessionID == "" || out.URL == "" {
		c.log.Error("session response missing fields", zap.ByteString("body", respBody))
		return Session{}, errs.Upstream(http.StatusBadGateway, "session response missing session_id or url", nil)
	}
	return Session{SessionID: out.SessionID, URL: out.URL}, nil
}

type decisionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Decision  *struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"decision"`
	Reason string `json:"reason"`
}

func (c *Client) GetDecision(ctx context.Context, sessionID string) (Decision, error) {
	if c.apiKey == "" {
		return Decision{}, errs.Upstream(http.StatusServiceUnavailable, "identity provider not configured", ErrNotConfigured)
	}
	endpoint := c.baseURL + "/v2/session/" + url.PathEscape(sessionID) + "/decision/"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("build decision request: %w", err)
	}
	respBody, err := c.do(httpReq, "get_decision")
	if err != nil {
		return Decision{}, err
	}
	var out decisionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Decision{}, errs.Upstream(http.StatusBadGateway, "malformed decision response", err)
	}
	d := Decision{SessionID: out.SessionID, Status: out.Status, Reason: out.Reason, Raw: respBody}
	if out.Decision != nil {
		if out.Decision.Status != "" {
			d.Status = out.Decision.Status
		}
		if out.Decision.Reason != "" {
			d.Reason = out.Decision.Reason
		}
	}
	if d.SessionID == "" {
		d.SessionID = sessionID
	}
	return d, nil
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Error("provider call failed", zap.String("op", op), zap.Error(err))
		return nil, errs.Upstream(http.StatusBadGateway, "identity provider unreachable", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errs.Upstream(http.StatusBadGateway, "read provider response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Error("provider returned error",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return nil, errs.Upstream(resp.StatusCode, fmt.Sprintf("identity provider %s HTTP %d", op, resp.StatusCode), nil)
	}
	c.log.Debug("provider call", zap.String("op", op), zap.Duration("took", time.Since(start)))
	return body, nil
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
