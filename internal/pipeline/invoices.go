package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/ledgersync/internal/credentials"
)

const (
	invoicesPath = "/api/v1/invoices"
	loginPath    = "/api/v1/auth/login"
)

var ErrInvalidInput = errors.New("invalid input")

// InvoiceAPI is the set of backend mutations that can be queued and replayed.
type InvoiceAPI interface {
	CreateInvoice(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	UpdateInvoice(ctx context.Context, id string, values json.RawMessage) (json.RawMessage, error)
	PostInvoice(ctx context.Context, id string) (json.RawMessage, error)
	RegisterPayment(ctx context.Context, id string, payment json.RawMessage) (json.RawMessage, error)
}

var _ InvoiceAPI = (*Client)(nil)

func (c *Client) CreateInvoice(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return c.Call(ctx, Request{Method: http.MethodPost, Path: invoicesPath, Body: rawOrEmpty(payload)})
}

func (c *Client) UpdateInvoice(ctx context.Context, id string, values json.RawMessage) (json.RawMessage, error) {
	path, err := invoicePath(id)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, Request{Method: http.MethodPut, Path: path, Body: rawOrEmpty(values)})
}

func (c *Client) PostInvoice(ctx context.Context, id string) (json.RawMessage, error) {
	path, err := invoicePath(id, "post")
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, Request{Method: http.MethodPost, Path: path, Body: json.RawMessage(`{}`)})
}

func (c *Client) RegisterPayment(ctx context.Context, id string, payment json.RawMessage) (json.RawMessage, error) {
	path, err := invoicePath(id, "payments")
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, Request{Method: http.MethodPost, Path: path, Body: rawOrEmpty(payment)})
}

type Session struct {
	AccessToken string `json:"accessToken"`
	TenantID    string `json:"tenantId"`
	AgentToken  string `json:"agentToken,omitempty"`
}

// Authenticate exchanges a login for a session and stores it. Any previous
// session is replaced as a whole.
func (c *Client) Authenticate(ctx context.Context, login, password string) (Session, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return Session{}, ErrInvalidInput
	}
	data, err := c.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   loginPath,
		Body: map[string]string{
			"login":    login,
			"password": password,
		},
	})
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, err
	}
	if session.AccessToken == "" {
		return Session{}, errors.New("login response carried no access token")
	}
	if err := c.creds.Replace(credentials.Set{
		AccessToken: session.AccessToken,
		TenantID:    session.TenantID,
		AgentToken:  session.AgentToken,
	}); err != nil {
		return Session{}, err
	}
	c.logger.Info().Str("tenant", session.TenantID).Msg("session established")
	return session, nil
}

// Logout drops the local session. The unauthorized handler is not called;
// the shell initiated this.
func (c *Client) Logout(_ context.Context) error {
	if err := c.creds.Clear(); err != nil {
		return err
	}
	c.logger.Info().Msg("session closed")
	return nil
}

func invoicePath(id string, suffix ...string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidInput
	}
	parts := append([]string{invoicesPath, url.PathEscape(id)}, suffix...)
	return strings.Join(parts, "/"), nil
}

func rawOrEmpty(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage(`{}`)
	}
	return payload
}
