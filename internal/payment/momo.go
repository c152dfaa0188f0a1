package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// MobileMoneyConfig configures a request-to-pay collection client.
type MobileMoneyConfig struct {
	BaseURL         string
	APIUser         string
	APIKey          string
	SubscriptionKey string
	TargetEnv       string
	ContactPattern  string
	Timeout         time.Duration
	RatePerSec      float64
}

// MobileMoney is the async_remote gateway. Initiate creates a
// request-to-pay and returns a pending handle; Query reads its status.
type MobileMoney struct {
	cfg     MobileMoneyConfig
	contact ContactRule
	http    *http.Client
	limiter *rate.Limiter
	tokens  TokenStore
	group   singleflight.Group
	log     *zap.Logger
}

func NewMobileMoney(cfg MobileMoneyConfig, tokens TokenStore, log *zap.Logger) (*MobileMoney, error) {
	rule, err := NewContactRule(cfg.ContactPattern)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MobileMoney{
		cfg:     cfg,
		contact: rule,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1),
		tokens:  tokens,
		log:     log.Named("momo"),
	}, nil
}

func (m *MobileMoney) Kind() MethodKind { return KindAsyncRemote }

func (m *MobileMoney) ValidateContact(contact string) (string, error) {
	return m.contact.Normalize(contact)
}

// ---- provider wire types ----

type momoToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type momoParty struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type momoRequestToPay struct {
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	ExternalID   string    `json:"externalId"`
	Payer        momoParty `json:"payer"`
	PayerMessage string    `json:"payerMessage"`
	PayeeNote    string    `json:"payeeNote"`
}

type momoStatus struct {
	Amount                 string `json:"amount"`
	Currency               string `json:"currency"`
	FinancialTransactionID string `json:"financialTransactionId"`
	ExternalID             string `json:"externalId"`
	Status                 string `json:"status"`
	Reason                 string `json:"reason,omitempty"`
}

func (m *MobileMoney) Initiate(ctx context.Context, req Request) (Handle, error) {
	msisdn, err := m.ValidateContact(req.PayerContact)
	if err != nil {
		return Handle{}, err
	}
	if req.Reference == "" {
		return Handle{}, fmt.Errorf("momo initiate: empty reference")
	}

	token, err := m.token(ctx)
	if err != nil {
		return Handle{}, err
	}

	body := momoRequestToPay{
		Amount:       formatAmount(req.AmountCents),
		Currency:     req.Currency,
		ExternalID:   req.ExternalID,
		Payer:        momoParty{PartyIDType: "MSISDN", PartyID: msisdn},
		PayerMessage: "Order " + req.ExternalID,
		PayeeNote:    "Order " + req.ExternalID,
	}
	hdr := map[string]string{
		"Authorization":  "Bearer " + token,
		"X-Reference-Id": req.Reference,
	}
	code, err := m.doRequest(ctx, http.MethodPost, "/collection/v1_0/requesttopay", hdr, body, nil)
	if code == http.StatusUnauthorized {
		m.dropToken(ctx)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("momo initiate: %w", err)
	}
	if code != http.StatusAccepted {
		return Handle{}, fmt.Errorf("%w: momo initiate: expected 202, got %d", ErrGatewayUnavailable, code)
	}

	m.log.Info("request-to-pay accepted",
		zap.String("reference", req.Reference),
		zap.String("order_id", req.ExternalID),
		zap.Int64("amount_cents", req.AmountCents))
	return Handle{Kind: KindAsyncRemote, Reference: req.Reference, Status: StatusPending}, nil
}

func (m *MobileMoney) Query(ctx context.Context, h Handle) (Handle, error) {
	if h.Reference == "" {
		return h, fmt.Errorf("momo query: empty reference")
	}
	token, err := m.token(ctx)
	if err != nil {
		return h, err
	}

	var out momoStatus
	hdr := map[string]string{"Authorization": "Bearer " + token}
	code, err := m.doRequest(ctx, http.MethodGet, "/collection/v1_0/requesttopay/"+h.Reference, hdr, nil, &out)
	if code == http.StatusUnauthorized {
		m.dropToken(ctx)
	}
	if err != nil {
		return h, fmt.Errorf("momo query: %w", err)
	}

	switch strings.ToUpper(out.Status) {
	case "SUCCESSFUL":
		h.Status = StatusSuccessful
		h.ProviderTransactionID = out.FinancialTransactionID
	case "FAILED", "REJECTED", "TIMEOUT":
		h.Status = StatusFailed
	case "PENDING":
		h.Status = StatusPending
	default:
		// an unrecognised status is not proof of failure
		m.log.Warn("unknown request-to-pay status",
			zap.String("reference", h.Reference), zap.String("status", out.Status))
		h.Status = StatusPending
	}
	return h, nil
}

// token returns a cached bearer token or fetches a new one. Concurrent
// misses share one fetch.
func (m *MobileMoney) token(ctx context.Context) (string, error) {
	if m.tokens != nil {
		if t, err := m.tokens.Get(ctx); err == nil && t != "" {
			return t, nil
		} else if err != nil {
			m.log.Warn("token cache read failed", zap.Error(err))
		}
	}

	v, err, _ := m.group.Do("token", func() (any, error) {
		var tok momoToken
		hdr := map[string]string{"Authorization": basicAuth(m.cfg.APIUser, m.cfg.APIKey)}
		if _, err := m.doRequest(ctx, http.MethodPost, "/collection/token/", hdr, nil, &tok); err != nil {
			return "", fmt.Errorf("momo token: %w", err)
		}
		if tok.AccessToken == "" {
			return "", fmt.Errorf("%w: momo token: empty access_token", ErrGatewayUnavailable)
		}
		if m.tokens != nil {
			if err := m.tokens.Set(ctx, tok.AccessToken, tokenTTL(tok.ExpiresIn)); err != nil {
				m.log.Warn("token cache write failed", zap.Error(err))
			}
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *MobileMoney) dropToken(ctx context.Context) {
	if m.tokens == nil {
		return
	}
	if err := m.tokens.Delete(ctx); err != nil {
		m.log.Warn("token cache delete failed", zap.Error(err))
	}
}

// ---- HTTP helper ----

// doRequest returns the response status code alongside any error. Every
// failure is wrapped in ErrGatewayUnavailable.
func (m *MobileMoney) doRequest(ctx context.Context, method, path string, headers map[string]string, body, out any) (int, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: throttled: %v", ErrGatewayUnavailable, err)
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(m.cfg.BaseURL, "/")+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", m.cfg.SubscriptionKey)
	if m.cfg.TargetEnv != "" {
		req.Header.Set("X-Target-Environment", m.cfg.TargetEnv)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%w: status %d: %s", ErrGatewayUnavailable, resp.StatusCode, string(respBytes))
	}

	if out != nil {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
		}
	}
	return resp.StatusCode, nil
}

func basicAuth(user, key string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+key))
}

// tokenTTL keeps a minute of headroom before the provider's expiry.
func tokenTTL(expiresIn int) time.Duration {
	ttl := time.Duration(expiresIn)*time.Second - time.Minute
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	return ttl
}

// formatAmount renders minor units as a decimal string, 2500 -> "25.00".
func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
