package broker

import (
	"context"
	"fmt"

	"github.com/bt-bridge/realtime-console/shared"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

// Client fetches short-lived secrets from a broker's token endpoint.
type Client struct {
	tokenUrl string
	http     *fasthttp.Client
}

func NewClient(tokenUrl string, hc *fasthttp.Client) (*Client, error) {
	if tokenUrl == "" {
		return nil, fmt.Errorf("%w: token URL is required", shared.ErrNoConfig)
	}
	if hc == nil {
		hc = &fasthttp.Client{}
	}
	return &Client{tokenUrl: tokenUrl, http: hc}, nil
}

// Secret returns client_secret.value from the broker reply. Every failure
// wraps shared.ErrCredential.
func (c *Client) Secret(ctx context.Context) (string, error) {
	req := fasthttp.AcquireRequest()
	req.SetRequestURI(c.tokenUrl)
	req.Header.SetMethod(fasthttp.MethodGet)

	status, body, err := shared.DoContext(ctx, c.http, req)
	if err != nil {
		return "", fmt.Errorf("%w: requesting token: %w", shared.ErrCredential, err)
	}
	if status < fasthttp.StatusOK || status >= fasthttp.StatusMultipleChoices {
		msg := errorMessage(body)
		if msg == "" {
			msg = string(body)
		}
		return "", fmt.Errorf("%w: broker returned %d: %s", shared.ErrCredential, status, msg)
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: broker reply is not JSON", shared.ErrCredential)
	}
	secret := gjson.GetBytes(body, "client_secret.value").String()
	if secret == "" {
		return "", fmt.Errorf("%w: broker reply has no client_secret.value", shared.ErrCredential)
	}
	return secret, nil
}

// errorMessage reads {"error":"..."} or {"error":{"message":"..."}}.
func errorMessage(body []byte) string {
	res := gjson.GetBytes(body, "error")
	if res.IsObject() {
		return res.Get("message").String()
	}
	return res.String()
}
