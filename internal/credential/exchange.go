// Package credential exchanges an inbound caller credential for a credential
// usable against the remote workbook API, on the caller's behalf.
//
// The exchange is treated as an opaque external collaborator by the pipeline:
// a failure is fatal for the batch and is never retried by the core.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrExchange is matched by errors.Is when the token exchange fails.
var ErrExchange = errors.New("credential exchange failed")

const oboGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// Exchanger trades an inbound caller credential for a remote access token.
type Exchanger interface {
	Exchange(ctx context.Context, inbound string) (*oauth2.Token, error)
}

// Config controls the on-behalf-of exchange.
type Config struct {
	// TokenURL is the authority's token endpoint.
	TokenURL string `koanf:"token_url"`

	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`

	// Scope requested for the remote access token.
	Scope string `koanf:"scope"`

	Timeout time.Duration `koanf:"timeout"`
}

// DefaultConfig returns defaults suitable for local development; TokenURL,
// ClientID, and ClientSecret must be supplied by deployment config.
func DefaultConfig() *Config {
	return &Config{
		Scope:   "https://graph.microsoft.com/.default",
		Timeout: 10 * time.Second,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.TokenURL == "" {
		return errors.New("token_url is required")
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// OBOExchanger performs the on-behalf-of flow against an OAuth2 token
// endpoint. Safe for concurrent use.
type OBOExchanger struct {
	config *Config
	rest   *resty.Client
	logger *zap.Logger
}

// NewOBOExchanger creates an exchanger.
func NewOBOExchanger(cfg *Config, logger *zap.Logger) (*OBOExchanger, error) {
	if cfg == nil {
		return nil, errors.New("credential config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credential config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OBOExchanger{
		config: cfg,
		rest:   resty.New().SetTimeout(cfg.Timeout),
		logger: logger,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Exchange trades the inbound credential for a remote access token.
func (e *OBOExchanger) Exchange(ctx context.Context, inbound string) (*oauth2.Token, error) {
	if inbound == "" {
		return nil, fmt.Errorf("%w: empty inbound credential", ErrExchange)
	}

	var out tokenResponse
	var oauthErr tokenError
	resp, err := e.rest.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":          oboGrantType,
			"requested_token_use": "on_behalf_of",
			"client_id":           e.config.ClientID,
			"client_secret":       e.config.ClientSecret,
			"assertion":           inbound,
			"scope":               e.config.Scope,
		}).
		SetResult(&out).
		SetError(&oauthErr).
		Post(e.config.TokenURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchange, err)
	}
	if resp.StatusCode() != http.StatusOK {
		e.logger.Warn("token exchange rejected",
			zap.Int("status", resp.StatusCode()),
			zap.String("error", oauthErr.Error),
		)
		return nil, fmt.Errorf("%w: %s (%s)", ErrExchange, oauthErr.Error, oauthErr.ErrorDescription)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("%w: response missing access_token", ErrExchange)
	}

	token := &oauth2.Token{
		AccessToken: out.AccessToken,
		TokenType:   out.TokenType,
	}
	if out.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return token, nil
}
