package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrAuthorization wraps a non-2xx or malformed authorization response.
var ErrAuthorization = errors.New("auth: authorization failed")

// Response is the parsed body of an authorization HTTP response.
type Response struct {
	Auth         string `json:"auth"`
	ChannelData  string `json:"channel_data,omitempty"`
	SharedSecret string `json:"shared_secret,omitempty"`
}

// Fetcher performs the channel authorization round trip. Implementations
// must respect ctx's deadline; the façade derives one from activity_timeout.
type Fetcher interface {
	Authorize(ctx context.Context, endpoint, socketID, channelName string) (Response, error)
}

// HTTPFetcher is the default Fetcher: a single form-encoded POST to the
// configured authorization endpoint.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a Fetcher backed by http.DefaultClient unless
// client is non-nil.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client}
}

// SecretFetcher signs subscriptions locally with Sign instead of making an
// HTTP round trip, for callers that hold the app secret directly (server-side
// processes, tests) rather than delegating to an authorization endpoint.
type SecretFetcher struct {
	AppKey    string
	AppSecret string

	// ChannelData, when non-nil, is called for presence channels to produce
	// the channel_data JSON string signed alongside socket_id and channel
	// name. Left nil, private channels sign without channel_data.
	ChannelData func(channelName string) string
}

// Authorize signs the subscription locally; endpoint is ignored.
func (f *SecretFetcher) Authorize(ctx context.Context, endpoint, socketID, channelName string) (Response, error) {
	var channelData string
	if f.ChannelData != nil {
		channelData = f.ChannelData(channelName)
	}
	return Response{
		Auth:        Sign(f.AppKey, f.AppSecret, socketID, channelName, channelData),
		ChannelData: channelData,
	}, nil
}

// Authorize POSTs socket_id and channel_name form-encoded to endpoint and
// parses the JSON response.
func (f *HTTPFetcher) Authorize(ctx context.Context, endpoint, socketID, channelName string) (Response, error) {
	form := url.Values{
		"socket_id":    {socketID},
		"channel_name": {channelName},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrAuthorization, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.Client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrAuthorization, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrAuthorization, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("%w: endpoint returned status %d", ErrAuthorization, resp.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{}, fmt.Errorf("%w: malformed response: %v", ErrAuthorization, err)
	}
	if out.Auth == "" {
		return Response{}, fmt.Errorf("%w: response missing auth field", ErrAuthorization)
	}

	return out, nil
}
