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

	"github.com/flashbots/secagg/coordinator"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/services"
)

// ErrUnexpectedSigner is returned when a document is signed by another key
// than the pinned coordinator key.
var ErrUnexpectedSigner = errors.New("client: document signed by unexpected key")

// APIError is a non-2xx response of the coordinator API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// APIClient talks to the coordinator HTTP API. When a coordinator key is
// pinned, every signed document is checked against it.
type APIClient struct {
	baseURL       string
	coordinatorPK crypto.PublicKey
	http          *http.Client
}

// NewAPIClient creates a client for the API at baseURL. coordinatorPK may
// be nil to accept any signer.
func NewAPIClient(baseURL string, coordinatorPK crypto.PublicKey) *APIClient {
	return &APIClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		coordinatorPK: coordinatorPK,
		http:          &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *APIClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func (c *APIClient) checkSigner(pk crypto.PublicKey) error {
	if c.coordinatorPK != nil && !pk.Equal(c.coordinatorPK) {
		return fmt.Errorf("%w: %s", ErrUnexpectedSigner, pk)
	}
	return nil
}

func getSigned[T any](ctx context.Context, c *APIClient, path string) (*T, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	signed, err := protocol.DecodeSigned[T](resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	obj, pk, err := signed.Recover()
	if err != nil {
		return nil, err
	}
	if err := c.checkSigner(pk); err != nil {
		return nil, err
	}
	return obj, nil
}

// Params fetches and verifies the binary round parameters.
func (c *APIClient) Params(ctx context.Context) (*protocol.RoundParameters, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/params", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	params, err := protocol.DecodeRoundParameters(raw)
	if err != nil {
		return nil, err
	}
	if err := params.Verify(); err != nil {
		return nil, err
	}
	if err := c.checkSigner(params.CoordinatorPK); err != nil {
		return nil, err
	}
	return params, nil
}

// Sums fetches the frozen sum dictionary.
func (c *APIClient) Sums(ctx context.Context) (*services.SumsResponse, error) {
	return getSigned[services.SumsResponse](ctx, c, "/v1/sums")
}

// Seeds fetches the seeds addressed to sum participant sumPK.
func (c *APIClient) Seeds(ctx context.Context, sumPK crypto.PublicKey) (*services.SeedsResponse, error) {
	return getSigned[services.SeedsResponse](ctx, c, "/v1/seeds/"+sumPK.String())
}

// Model fetches the current global model.
func (c *APIClient) Model(ctx context.Context) (*services.ModelResponse, error) {
	return getSigned[services.ModelResponse](ctx, c, "/v1/model")
}

// Status fetches the coordinator status.
func (c *APIClient) Status(ctx context.Context) (*coordinator.Status, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status coordinator.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Submit posts an encoded participant message.
func (c *APIClient) Submit(ctx context.Context, tag protocol.Tag, roundID uint64, raw []byte) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/message/%s/%d", tag, roundID), raw)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
