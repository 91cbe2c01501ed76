// Package httpfetch is a JSON over HTTP client whose requests can be used as
// query fetch functions. Errors are classified as transient or permanent so
// that the query cache retries only what is worth retrying.
package httpfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/go-querycache/apierror"
	"github.com/ipni/go-querycache/query"
)

var log = logging.Logger("httpfetch")

// Client sends JSON requests to one base URL.
type Client struct {
	c       *http.Client
	baseURL *url.URL
	header  http.Header
}

// New creates a new Client for the API at baseURL.
func New(baseURL string, options ...Option) (*Client, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", baseURL)
	}

	return &Client{
		c:       opts.client(),
		baseURL: u,
		header:  opts.header,
	}, nil
}

// GetJSON gets path, with params as the query string, and decodes the JSON
// response into out.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL.JoinPath(path)
	if len(params) != 0 {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return query.Permanent(err)
	}
	return c.do(ctx, req, out)
}

// SendJSON sends in, encoded as JSON, to path with the given method, and
// decodes the JSON response into out. Either of in or out may be nil.
func (c *Client) SendJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return query.Permanent(err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return query.Permanent(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(ctx, req, out)
}

func (c *Client) do(ctx context.Context, req *http.Request, out any) error {
	for key, vals := range c.header {
		for _, val := range vals {
			req.Header.Add(key, val)
		}
	}
	req.Header.Add("Accept", "application/json")

	resp, err := c.c.Do(req)
	if err != nil {
		return classify(ctx, nil, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(ctx, nil, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Debugw("Request failed", "method", req.Method, "url", req.URL, "status", resp.StatusCode)
		return classify(ctx, resp, apierror.FromResponse(resp.StatusCode, body))
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err = json.Unmarshal(body, out); err != nil {
		return query.Permanent(fmt.Errorf("cannot decode response from %s: %w", req.URL, err))
	}
	return nil
}

// classify marks err as transient or permanent using the same policy that
// go-retryablehttp uses to decide whether to retry a request. When resp is
// not nil, err describes resp and the decision is made on its status.
func classify(ctx context.Context, resp *http.Response, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var retry bool
	if resp != nil {
		retry, _ = retryablehttp.DefaultRetryPolicy(ctx, resp, nil)
	} else {
		retry, _ = retryablehttp.DefaultRetryPolicy(ctx, nil, err)
	}
	if retry {
		return query.Transient(err)
	}
	return query.Permanent(err)
}

// FetchJSON returns a fetch function that gets path from c and decodes the
// response as a T.
func FetchJSON[T any](c *Client, path string, params url.Values) query.FetchFunc {
	return func(ctx context.Context) (any, error) {
		var v T
		if err := c.GetJSON(ctx, path, params, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// SendJSONFunc returns a mutate function that sends in to path with method
// and decodes the response as a T.
func SendJSONFunc[T any](c *Client, method, path string, in any) query.MutateFunc {
	return func(ctx context.Context) (any, error) {
		var v T
		if err := c.SendJSON(ctx, method, path, in, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
