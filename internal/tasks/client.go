package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	availablePath = "/api/tasks/available"
	applyPathFmt  = "/errands/%s/apply/"
)

// Doer is the authenticated transport; gateway.Gateway satisfies it.
type Doer interface {
	DoJSON(ctx context.Context, method, path string, headers map[string]string, in, out any) error
}

type Offer struct {
	Amount  float64 `json:"offer_amount"`
	Message string  `json:"message"`
}

type ClientOptions struct {
	Logger Logger
}

// Client talks to the remote task endpoints.
type Client struct {
	doer   Doer
	logger Logger
}

func NewClient(doer Doer, opts ClientOptions) *Client {
	return &Client{doer: doer, logger: opts.Logger}
}

// FetchAvailable returns the normalized available-tasks feed for q.
func (c *Client) FetchAvailable(ctx context.Context, q Query) ([]Record, error) {
	path := availablePath
	if encoded := q.Values().Encode(); encoded != "" {
		path += "?" + encoded
	}
	var raw json.RawMessage
	if err := c.doer.DoJSON(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, err
	}
	return DecodeAvailable(raw, c.logger)
}

// Apply submits an offer for task id. The id is validated before any
// network call.
func (c *Client) Apply(ctx context.Context, id string, offer Offer) error {
	if err := ValidateIdentity(id); err != nil {
		return err
	}
	offer.Message = strings.TrimSpace(offer.Message)
	return c.doer.DoJSON(ctx, http.MethodPost, fmt.Sprintf(applyPathFmt, url.PathEscape(id)), nil, offer, nil)
}
