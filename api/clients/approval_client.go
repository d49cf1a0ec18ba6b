package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/ca-approval-backend/api"
	"github.com/ruteri/ca-approval-backend/interfaces"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("approval api returned %d: %s", e.StatusCode, e.Message)
}

// ApprovalClient calls the approval API on behalf of one admin.
type ApprovalClient struct {
	baseURL    string
	httpClient *http.Client
	admin      *interfaces.AdminIdentity
}

// NewApprovalClient creates a client for baseURL. tlsConfig carries the
// admin client certificate and may be nil for plain HTTP. The default request
// timeout is 30 seconds.
func NewApprovalClient(baseURL string, tlsConfig *tls.Config, timeout ...time.Duration) *ApprovalClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &ApprovalClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   clientTimeout,
			Transport: transport,
		},
	}
}

// AsAdmin returns a copy of the client that sends admin in the identity
// headers. The server only honors them when configured to trust them.
func (c *ApprovalClient) AsAdmin(admin interfaces.AdminIdentity) *ApprovalClient {
	clone := *c
	clone.admin = &admin
	return &clone
}

func (c *ApprovalClient) Submit(ctx context.Context, req api.SubmitRequest) (*api.SubmitResponse, error) {
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/approvals/", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *ApprovalClient) Approve(ctx context.Context, approvalID string, decision api.DecisionRequest) (*api.StatusResponse, error) {
	return c.status(ctx, http.MethodPost, approvalPath(approvalID, "approve"), decision)
}

func (c *ApprovalClient) Reject(ctx context.Context, approvalID string, decision api.DecisionRequest) (*api.StatusResponse, error) {
	return c.status(ctx, http.MethodPost, approvalPath(approvalID, "reject"), decision)
}

// Execute retries the execution of an approved request whose operation failed.
func (c *ApprovalClient) Execute(ctx context.Context, approvalID string) (*api.StatusResponse, error) {
	return c.status(ctx, http.MethodPost, approvalPath(approvalID, "execute"), nil)
}

func (c *ApprovalClient) Status(ctx context.Context, approvalID string) (*api.StatusResponse, error) {
	return c.status(ctx, http.MethodGet, approvalPath(approvalID, "status"), nil)
}

func (c *ApprovalClient) StatusForStep(ctx context.Context, approvalID string, step int) (*api.StatusResponse, error) {
	path := approvalPath(approvalID, "status") + "?step=" + strconv.Itoa(step)
	return c.status(ctx, http.MethodGet, path, nil)
}

func (c *ApprovalClient) MarkStepDone(ctx context.Context, approvalID string, step int) error {
	return c.do(ctx, http.MethodPost, approvalPath(approvalID, "steps", strconv.Itoa(step), "done"), nil, nil)
}

// Get returns the active record of a request.
func (c *ApprovalClient) Get(ctx context.Context, approvalID string) (*interfaces.ApprovalRecord, error) {
	var rec interfaces.ApprovalRecord
	if err := c.do(ctx, http.MethodGet, approvalPath(approvalID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *ApprovalClient) History(ctx context.Context, approvalID string) ([]*interfaces.ApprovalRecord, error) {
	var resp api.RecordsResponse
	if err := c.do(ctx, http.MethodGet, approvalPath(approvalID, "history"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *ApprovalClient) Query(ctx context.Context, req api.QueryRequest) ([]*interfaces.ApprovalRecord, error) {
	var resp api.RecordsResponse
	if err := c.do(ctx, http.MethodPost, "/api/approvals/query", req, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *ApprovalClient) Remove(ctx context.Context, recordID string) error {
	return c.do(ctx, http.MethodDelete, "/api/approvals/records/"+url.PathEscape(recordID), nil, nil)
}

func (c *ApprovalClient) status(ctx context.Context, method, path string, body any) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, method, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *ApprovalClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.admin != nil {
		req.Header.Set(api.AdminIssuerHeader, c.admin.IssuerDN)
		req.Header.Set(api.AdminSerialHeader, c.admin.SerialNumber)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp api.ErrorResponse
		if json.Unmarshal(respBody, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(respBody))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

func approvalPath(approvalID string, parts ...string) string {
	segments := append([]string{"/api/approvals", url.PathEscape(approvalID)}, parts...)
	return strings.Join(segments, "/")
}
