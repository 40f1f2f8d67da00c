package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/paysplit/paysplit/internal/billing"
	"github.com/paysplit/paysplit/internal/money"
	"go.uber.org/zap"
)

var (
	// ErrMissingBaseURL indicates the client was configured without a server.
	ErrMissingBaseURL = errors.New("client: base url is required")
	// ErrUnauthenticated indicates the server rejected the request for lack
	// of a valid session. Handled outside the core (redirect to login).
	ErrUnauthenticated = errors.New("client: unauthenticated")
)

// ActionError is a recoverable, user-visible failure of an accept/reject
// submission. The pending prompt stays undrained; retry is manual.
type ActionError struct {
	StatusCode int
	Message    string
}

func (e *ActionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: action failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("client: action failed with status %d: %s", e.StatusCode, e.Message)
}

// RESTConfig configures the REST collaborator.
type RESTConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// REST talks to the bill service's HTTP endpoints: snapshot fetch, account
// login, and accept/reject submission.
type REST struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewREST constructs the REST collaborator.
func NewREST(cfg RESTConfig) (*REST, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &REST{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SetToken installs the bearer token used on subsequent requests.
func (r *REST) SetToken(token string) {
	r.token = token
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenPayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Login exchanges credentials for a bearer token and installs it on the
// client.
func (r *REST) Login(ctx context.Context, username, password string) (string, error) {
	return r.obtainToken(ctx, "/auth/login", username, password)
}

// Register creates an account and installs the returned bearer token.
func (r *REST) Register(ctx context.Context, username, password string) (string, error) {
	return r.obtainToken(ctx, "/auth/register", username, password)
}

func (r *REST) obtainToken(ctx context.Context, path, username, password string) (string, error) {
	body, err := json.Marshal(credentialsPayload{Username: username, Password: password})
	if err != nil {
		return "", err
	}

	resp, err := r.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", responseError(resp)
	}

	var token tokenPayload
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("client: malformed token response: %w", err)
	}
	r.token = token.AccessToken
	return token.AccessToken, nil
}

// FetchSnapshot loads the full, authoritative bill listing for the current
// user. Malformed records are skipped and counted rather than failing the
// whole snapshot. Implements dashboard.SnapshotFetcher.
func (r *REST) FetchSnapshot(ctx context.Context) ([]billing.Bill, int, error) {
	resp, err := r.do(ctx, http.MethodGet, "/api/bills", nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, 0, ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, responseError(resp)
	}

	var payloads []billing.BillPayload
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		return nil, 0, fmt.Errorf("client: malformed snapshot: %w", err)
	}

	bills, skipped := billing.ParseBills(payloads)
	if skipped > 0 {
		r.logger.Warn("snapshot contained unparseable bills", zap.Int("skipped", skipped))
	}
	return bills, skipped, nil
}

type createBillPayload struct {
	Name         string      `json:"name"`
	TotalAmount  money.Cents `json:"total_amount"`
	Participants []string    `json:"participants"`
}

// CreateBill submits a new bill split equally among the participants and
// returns the server's view of it.
func (r *REST) CreateBill(ctx context.Context, name string, total money.Cents, participants []string) (billing.Bill, error) {
	body, err := json.Marshal(createBillPayload{
		Name:         name,
		TotalAmount:  total,
		Participants: participants,
	})
	if err != nil {
		return billing.Bill{}, err
	}

	resp, err := r.do(ctx, http.MethodPost, "/api/bills", body)
	if err != nil {
		return billing.Bill{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return billing.Bill{}, ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusCreated {
		return billing.Bill{}, responseError(resp)
	}

	var payload billing.BillPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return billing.Bill{}, fmt.Errorf("client: malformed bill response: %w", err)
	}
	return billing.ParseBill(payload)
}

type acceptPayload struct {
	Amount money.Cents `json:"amount"`
}

// Accept submits an acceptance for the current user's split on the bill.
func (r *REST) Accept(ctx context.Context, billID billing.BillID, amount money.Cents) error {
	body, err := json.Marshal(acceptPayload{Amount: amount})
	if err != nil {
		return err
	}
	return r.submitAction(ctx, fmt.Sprintf("/api/bills/%d/accept", billID), body)
}

// Reject submits a rejection for the current user's split on the bill. The
// request carries no body.
func (r *REST) Reject(ctx context.Context, billID billing.BillID) error {
	return r.submitAction(ctx, fmt.Sprintf("/api/bills/%d/reject", billID), nil)
}

func (r *REST) submitAction(ctx context.Context, path string, body []byte) error {
	resp, err := r.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

func (r *REST) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	return r.httpClient.Do(req)
}

func responseError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)
	return &ActionError{StatusCode: resp.StatusCode, Message: payload.Error}
}
