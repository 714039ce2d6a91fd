// Package twilio sends SMS through the Twilio Messages API.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	twiliosdk "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	apiv2010 "github.com/twilio/twilio-go/rest/api/v2010"

	"guidance-agent/internal/integrations/paramstore"
)

// Twilio rejects sends to numbers that replied STOP with this code.
const codeUnsubscribed = 21610

// ErrUnsubscribed is returned when the recipient has opted out at the
// carrier level.
var ErrUnsubscribed = errors.New("twilio: recipient unsubscribed")

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// messagesAPI is the slice of the v2010 API service the client uses.
type messagesAPI interface {
	CreateMessage(params *apiv2010.CreateMessageParams) (*apiv2010.ApiV2010Message, error)
}

type credentials struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
}

// Client sends messages from a fixed sender number.
type Client struct {
	getter      Getter
	paramPrefix string
	from        string
	newAPI      func(credentials) messagesAPI

	mu  sync.Mutex
	api messagesAPI
}

type Option func(*Client)

// withAPI replaces the SDK service; used by tests.
func withAPI(fn func(credentials) messagesAPI) Option {
	return func(c *Client) {
		c.newAPI = fn
	}
}

// NewClient creates a Client. Credentials are read from
// <paramPrefix>/twilio on first send.
func NewClient(ps Getter, paramPrefix, from string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("twilio: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("twilio: parameter prefix must not be empty")
	}
	if strings.TrimSpace(from) == "" {
		return nil, errors.New("twilio: sender number must not be empty")
	}
	c := &Client{
		getter:      ps,
		paramPrefix: paramPrefix,
		from:        strings.TrimSpace(from),
		newAPI:      sdkAPI,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sdkAPI(creds credentials) messagesAPI {
	rc := twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{
		Username: creds.AccountSID,
		Password: creds.AuthToken,
	})
	return rc.Api
}

func (c *Client) messages(ctx context.Context) (messagesAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	var creds credentials
	if err := paramstore.GetJSON(ctx, c.getter, c.paramPrefix+"/twilio", &creds); err != nil {
		return nil, fmt.Errorf("twilio: fetch credentials: %w", err)
	}
	if creds.AccountSID == "" || creds.AuthToken == "" {
		return nil, errors.New("twilio: credentials are incomplete")
	}
	c.api = c.newAPI(creds)
	return c.api, nil
}

// SendMessage sends body to the E.164 number to and returns the message SID.
// The SDK call does not take a context; ctx only bounds the credential read.
func (c *Client) SendMessage(ctx context.Context, to, body string) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", errors.New("twilio: recipient must not be empty")
	}
	api, err := c.messages(ctx)
	if err != nil {
		return "", err
	}

	params := &apiv2010.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	msg, err := api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Code == codeUnsubscribed {
			return "", fmt.Errorf("%w: %w", ErrUnsubscribed, restErr)
		}
		return "", fmt.Errorf("twilio: create message: %w", err)
	}
	if msg == nil || msg.Sid == nil {
		return "", errors.New("twilio: response has no message sid")
	}
	return *msg.Sid, nil
}
