// Package daraja is a gateway.Client for Safaricom's M-Pesa Daraja STK push API.
package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/gateway"
)

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"

	oauthPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	transactionType = "CustomerPayBillOnline"
	timestampLayout = "20060102150405"

	// returned by the query API while the customer has not answered yet
	codeProcessing = "500.001.1001"

	tokenSkew = time.Minute
)

// BaseURLFor maps an MPESA_ENV value to the API host.
func BaseURLFor(env string) string {
	if env == "production" {
		return ProductionURL
	}
	return SandboxURL
}

// Config holds the Daraja app credentials and paybill details.
type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	PassKey         string
	CallbackURL     string
	TransactionDesc string
}

// Client is safe for concurrent use. The OAuth token is cached per instance.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

var _ gateway.Client = (*Client)(nil)

// New creates a Daraja client. A nil httpClient gets a 15s timeout client.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxURL
	}
	if cfg.TransactionDesc == "" {
		cfg.TransactionDesc = "Booking deposit"
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger, now: time.Now}
}

func (c *Client) Name() string { return "daraja" }

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// errorResponse is the body Daraja returns on 4xx/5xx.
type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && c.now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+oauthPath, nil)
	if err != nil {
		return "", fmt.Errorf("build oauth request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", gateway.NotSent("oauth", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return "", gateway.NotSent("oauth", fmt.Errorf("HTTP %d: %s", resp.StatusCode, body))
	}

	var out oauthResponse
	if err := json.Unmarshal(body, &out); err != nil || out.AccessToken == "" {
		return "", gateway.NotSent("oauth", fmt.Errorf("malformed token response: %s", body))
	}
	ttl := time.Hour
	if secs, err := strconv.Atoi(out.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.accessToken = out.AccessToken
	c.expiresAt = c.now().Add(ttl - tokenSkew)
	return c.accessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

func (c *Client) credentials() (password, timestamp string) {
	timestamp = c.now().Format(timestampLayout)
	return Password(c.cfg.ShortCode, c.cfg.PassKey, timestamp), timestamp
}

// dialFailed reports whether err happened before any bytes reached the
// provider.
func dialFailed(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// post sends body to path. A nil error means the provider answered with a
// body; status carries the HTTP code for callers that branch on it.
func (c *Client) post(ctx context.Context, op, path string, payload any) (int, []byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return 0, nil, err
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if dialFailed(err) {
			return 0, nil, gateway.NotSent(op, err)
		}
		return 0, nil, gateway.Transient(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, gateway.Transient(op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
		return resp.StatusCode, body, gateway.NotSent(op, errors.New("access token rejected"))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return resp.StatusCode, body, gateway.NotSent(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body))
	}
	return resp.StatusCode, body, nil
}

type pushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type pushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// AccountReference is the reference shown to the payer for a booking.
func AccountReference(bookingID string) string {
	return "Booking-" + bookingID
}

// Initiate sends an STK push. The amount is rounded up to whole shillings.
func (c *Client) Initiate(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
	req, err := req.Validate()
	if err != nil {
		return gateway.InitiateResult{}, err
	}
	password, timestamp := c.credentials()
	payload := pushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            req.Amount.Ceil().IntPart(),
		PartyA:            req.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  AccountReference(req.BookingID),
		TransactionDesc:   c.cfg.TransactionDesc,
	}

	status, body, err := c.post(ctx, "stk push", pushPath, payload)
	if err != nil {
		return gateway.InitiateResult{}, err
	}
	if status >= http.StatusInternalServerError {
		return gateway.InitiateResult{}, gateway.Transient("stk push", fmt.Errorf("HTTP %d: %s", status, body))
	}
	if status >= http.StatusBadRequest {
		var e errorResponse
		if err := json.Unmarshal(body, &e); err != nil {
			return gateway.InitiateResult{}, fmt.Errorf("stk push: HTTP %d: %s", status, body)
		}
		c.logger.Info("stk push rejected",
			zap.String("booking_id", req.BookingID),
			zap.String("error_code", e.ErrorCode),
			zap.String("error_message", e.ErrorMessage))
		return gateway.InitiateResult{ResponseCode: e.ErrorCode, Description: e.ErrorMessage}, nil
	}

	var out pushResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return gateway.InitiateResult{}, fmt.Errorf("stk push: decode response: %w", err)
	}
	return gateway.InitiateResult{
		Token:             out.CheckoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
		Accepted:          out.ResponseCode == "0" && out.CheckoutRequestID != "",
		ResponseCode:      out.ResponseCode,
		Description:       out.ResponseDescription,
		CustomerMessage:   out.CustomerMessage,
	}, nil
}

type queryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type queryResponse struct {
	ResponseCode        string     `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	MerchantRequestID   string     `json:"MerchantRequestID"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResultCode          flexString `json:"ResultCode"`
	ResultDesc          string     `json:"ResultDesc"`
}

// Query asks for the outcome of an STK push. The query API does not return
// the M-Pesa receipt number, so a successful result carries none.
func (c *Client) Query(ctx context.Context, token string) (gateway.QueryResult, error) {
	password, timestamp := c.credentials()
	status, body, err := c.post(ctx, "stk query", queryPath, queryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: token,
	})
	if err != nil {
		return gateway.QueryResult{}, err
	}

	if status >= http.StatusBadRequest {
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.ErrorCode == codeProcessing {
			return gateway.QueryResult{Outcome: gateway.OutcomePending, ResultCode: e.ErrorCode, ResultDesc: e.ErrorMessage}, nil
		}
		if status >= http.StatusInternalServerError {
			return gateway.QueryResult{}, gateway.Transient("stk query", fmt.Errorf("HTTP %d: %s", status, body))
		}
		return gateway.QueryResult{}, fmt.Errorf("stk query: HTTP %d: %s", status, body)
	}

	var out queryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return gateway.QueryResult{}, fmt.Errorf("stk query: decode response: %w", err)
	}
	res := gateway.QueryResult{ResultCode: string(out.ResultCode), ResultDesc: out.ResultDesc}
	switch {
	case res.ResultCode == "":
		res.Outcome = gateway.OutcomePending
	case res.ResultCode == "0":
		res.Outcome = gateway.OutcomeSuccess
	default:
		res.Outcome = gateway.OutcomeFailed
	}
	return res, nil
}
