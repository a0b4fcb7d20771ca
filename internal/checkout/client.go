// Package checkout talks to the hosted payment provider. Purchases redirect
// the user to a provider-hosted page; settlement arrives later on the webhook.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/HarborMintLab/opwallet/pkg/wallet"
	"github.com/google/uuid"
)

var (
	// ErrInvalidConfig reports an unusable provider configuration.
	ErrInvalidConfig = errors.New("checkout: invalid config")
	// ErrInvalidRequest reports an unusable session request.
	ErrInvalidRequest = errors.New("checkout: invalid request")
)

const sessionIDPrefix = "sess_"

// Config holds the provider credentials and endpoint.
type Config struct {
	MerchantID    string
	SigningSecret string
	HostedPageURL string
	TestMode      bool
}

// Validate checks the configuration before a client is built.
func (config Config) Validate() error {
	if strings.TrimSpace(config.MerchantID) == "" {
		return fmt.Errorf("%w: merchant id is empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(config.SigningSecret) == "" {
		return fmt.Errorf("%w: signing secret is empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(config.HostedPageURL) == "" {
		return fmt.Errorf("%w: hosted page url is empty", ErrInvalidConfig)
	}
	if _, err := url.Parse(config.HostedPageURL); err != nil {
		return fmt.Errorf("%w: hosted page url: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Client implements wallet.CheckoutClient against the hosted provider.
type Client struct {
	config      Config
	sessionIDFn func() string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithSessionIDFn overrides session id generation. Tests use this for
// deterministic ids.
func WithSessionIDFn(fn func() string) ClientOption {
	return func(client *Client) {
		client.sessionIDFn = fn
	}
}

// NewClient validates the configuration and returns a provider client.
func NewClient(config Config, options ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client := &Client{
		config: config,
		sessionIDFn: func() string {
			return sessionIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
	for _, option := range options {
		option(client)
	}
	return client, nil
}

// CreateSession issues a new checkout session and builds the signed redirect
// URL. The provider receives no API call up front; the signature on the
// redirect authenticates the parameters, and the webhook closes the loop.
func (client *Client) CreateSession(ctx context.Context, request wallet.CheckoutRequest) (wallet.CheckoutSession, error) {
	if err := ctx.Err(); err != nil {
		return wallet.CheckoutSession{}, err
	}
	if !request.TotalFiat.IsPositive() {
		return wallet.CheckoutSession{}, fmt.Errorf("%w: total must be greater than zero", ErrInvalidRequest)
	}
	if request.UserID.String() == "" {
		return wallet.CheckoutSession{}, fmt.Errorf("%w: user id is empty", ErrInvalidRequest)
	}

	rawSessionID := client.sessionIDFn()
	sessionID, err := wallet.NewProviderSessionID(rawSessionID)
	if err != nil {
		return wallet.CheckoutSession{}, fmt.Errorf("%w: session id: %v", ErrInvalidRequest, err)
	}

	amount := request.TotalFiat.StringFixed(2)
	base := BuildSessionSignatureBase(client.config.MerchantID, rawSessionID, amount, request.Currency.String(), request.Metadata)
	signature := Sign(base, client.config.SigningSecret)

	params := url.Values{}
	params.Set("merchant_id", client.config.MerchantID)
	params.Set("session_id", rawSessionID)
	params.Set("amount", amount)
	params.Set("currency", request.Currency.String())
	params.Set("description", request.Description)
	params.Set("signature", signature)
	if client.config.TestMode {
		params.Set("test", "1")
	}
	for key, value := range request.Metadata {
		params.Set(metadataParamPrefix+key, value)
	}

	return wallet.CheckoutSession{
		SessionID:   sessionID,
		RedirectURL: client.config.HostedPageURL + "?" + params.Encode(),
	}, nil
}
