package dto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joy-dx/netmux/utils"
)

var validate = validator.New()

var ErrNilRequestConfig = errors.New("nil RequestConfig provided")

// RequestConfig is immutable input (safe to reuse) describing one request.
type RequestConfig struct {
	Method string `json:"method" yaml:"method" validate:"required,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`
	URL    string `json:"url" yaml:"url" validate:"required,url"`
	Body   map[string]any `json:"body" yaml:"body"`
	// BodyType application/json, application/x-www-form-urlencoded
	BodyType string            `json:"body_type" yaml:"body_type" validate:"omitempty,oneof=application/json application/x-www-form-urlencoded"`
	Headers  map[string]string `json:"headers" yaml:"headers"`
	// Credential answers challenges for tasks built from this config
	Credential *Credential `json:"-" yaml:"-" validate:"-"`
}

func DefaultRequestConfig() RequestConfig {
	return RequestConfig{
		Method:   http.MethodGet,
		BodyType: "application/json",
		Headers:  make(map[string]string),
	}
}

func (c *RequestConfig) WithMethod(method string) *RequestConfig {
	c.Method = strings.ToUpper(method)
	return c
}

func (c *RequestConfig) WithURL(url string) *RequestConfig {
	c.URL = url
	return c
}

func (c *RequestConfig) WithBody(body map[string]any) *RequestConfig {
	c.Body = body
	return c
}

func (c *RequestConfig) WithBodyType(bodyType string) *RequestConfig {
	c.BodyType = bodyType
	return c
}

func (c *RequestConfig) WithHeaders(headers map[string]string) *RequestConfig {
	c.Headers = headers
	return c
}

func (c *RequestConfig) WithCredential(cred *Credential) *RequestConfig {
	c.Credential = cred
	return c
}

func (c *RequestConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid request config: %w", err)
	}
	return nil
}

// NewRequest validates the config and builds the *http.Request with the
// finalized body. A nil or empty Body produces a request without body.
func (c *RequestConfig) NewRequest(ctx context.Context) (*http.Request, error) {
	if c == nil {
		return nil, ErrNilRequestConfig
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var (
		body        io.Reader
		contentType string
	)
	if len(c.Body) > 0 {
		buf, ct, err := utils.PrepareBody(c.Body, c.BodyType)
		if err != nil {
			return nil, fmt.Errorf("prepare body: %w", err)
		}
		body = bytes.NewReader(buf)
		contentType = ct
	}

	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}
