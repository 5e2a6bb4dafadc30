package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted value of a parameter.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// tokenPayload is the JSON shape stored in SecureString secret parameters.
type tokenPayload struct {
	Token string `json:"token"`
}

// Secret is a lazily resolved credential. Static secrets return their value
// directly; SSM-backed secrets fetch {"token":"..."} from the parameter on
// first use and cache it for the process lifetime. Failed lookups are not
// cached so the next call retries.
type Secret struct {
	getter Getter
	name   string

	mu    sync.Mutex
	value string
}

// StaticSecret wraps a value that needs no lookup.
func StaticSecret(value string) *Secret {
	return &Secret{value: value}
}

// NewSecret returns a Secret read from the named SSM parameter.
func NewSecret(getter Getter, name string) (*Secret, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("paramstore: secret parameter name is empty")
	}
	return &Secret{getter: getter, name: name}, nil
}

// Value returns the secret, fetching it on first use.
func (s *Secret) Value(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != "" {
		return s.value, nil
	}
	if s.getter == nil {
		return "", errors.New("paramstore: secret has no value")
	}

	raw, err := s.getter.GetParameter(ctx, s.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch secret: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal secret %q as JSON: %w", s.name, err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("paramstore: secret %q token is empty", s.name)
	}
	s.value = tp.Token
	return s.value, nil
}
