// Package axon keeps this neuron registered with the Axon directory:
// one-time enrollment, provider announcements, and the heartbeat loop that
// keeps the advertised endpoint fresh.
package axon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrRegistrationLost is returned when the directory no longer knows this
// neuron (HTTP 404). The caller re-enrolls rather than abandoning the loop.
var ErrRegistrationLost = errors.New("axon registration lost")

// EnrollmentRequest announces this neuron to the directory.
type EnrollmentRequest struct {
	OrganizationNPI   string `json:"organization_npi"`
	OrganizationName  string `json:"organization_name"`
	OrganizationType  string `json:"organization_type"`
	NeuronEndpointURL string `json:"neuron_endpoint_url"`
}

// EnrollmentResponse carries the directory-assigned identity.
type EnrollmentResponse struct {
	RegistrationID string `json:"registration_id"`
	AuthToken      string `json:"auth_token"`
}

// ProviderRequest announces one provider under this neuron.
type ProviderRequest struct {
	ProviderNPI string `json:"provider_npi"`
	DisplayName string `json:"display_name"`
}

// ProviderResponse carries the directory-assigned provider id.
type ProviderResponse struct {
	AxonProviderID string `json:"axon_provider_id"`
}

type heartbeatRequest struct {
	EndpointURL string `json:"endpoint_url"`
}

// Client talks to the Axon registry over HTTP with bearer auth.
type Client struct {
	registryURL string
	token       string
	httpClient  *http.Client
}

// NewClient builds a registry client. The token may be empty until
// enrollment assigns one.
func NewClient(registryURL, token string) *Client {
	return &Client{
		registryURL: registryURL,
		token:       token,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SetToken installs the bearer token assigned at enrollment.
func (c *Client) SetToken(token string) { c.token = token }

// Enroll registers this neuron and returns its assigned identity.
func (c *Client) Enroll(ctx context.Context, req EnrollmentRequest) (*EnrollmentResponse, error) {
	var resp EnrollmentResponse
	if err := c.post(ctx, "/api/v1/neurons", req, &resp); err != nil {
		return nil, fmt.Errorf("axon: enroll: %w", err)
	}
	if resp.RegistrationID == "" || resp.AuthToken == "" {
		return nil, fmt.Errorf("axon: enroll: registry returned incomplete assignment")
	}
	return &resp, nil
}

// RegisterProvider announces one provider under the given registration.
func (c *Client) RegisterProvider(ctx context.Context, registrationID string, req ProviderRequest) (*ProviderResponse, error) {
	var resp ProviderResponse
	path := "/api/v1/neurons/" + registrationID + "/providers"
	if err := c.post(ctx, path, req, &resp); err != nil {
		return nil, fmt.Errorf("axon: register provider %s: %w", req.ProviderNPI, err)
	}
	return &resp, nil
}

// Heartbeat refreshes the registration and re-advertises the endpoint.
func (c *Client) Heartbeat(ctx context.Context, registrationID, endpointURL string) error {
	path := "/api/v1/neurons/" + registrationID + "/heartbeat"
	if err := c.post(ctx, path, heartbeatRequest{EndpointURL: endpointURL}, nil); err != nil {
		return fmt.Errorf("axon: heartbeat: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.registryURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrRegistrationLost
	case resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
