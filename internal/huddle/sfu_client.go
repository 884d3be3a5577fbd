package huddle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/observer/relaycore/internal/wire"
)

// sfuRequestTimeout bounds every outbound call to the SFU provider.
const sfuRequestTimeout = 10 * time.Second

const sfuBaseURL = "https://rtc.live.cloudflare.com/v1/apps"

// SessionDescription is the WHIP/WHEP SDP envelope the provider expects
// and returns.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// TrackResult is one entry of a tracks/new response.
type TrackResult struct {
	Mid       string `json:"mid,omitempty"`
	TrackName string `json:"trackName,omitempty"`
}

// TracksResponse is the tracks/new response shape for both the publish
// (autoDiscover) and subscribe (explicit track list) call shapes.
type TracksResponse struct {
	SessionDescription             *SessionDescription `json:"sessionDescription,omitempty"`
	Tracks                         []TrackResult        `json:"tracks,omitempty"`
	RequiresImmediateRenegotiation bool                 `json:"requiresImmediateRenegotiation,omitempty"`
}

// SFUClient is a plain net/http REST client for the Cloudflare Calls
// style SFU provider: the API is bespoke HTTP+JSON with no Go SDK, so the
// three calls are typed here directly, each taking an explicit context.
type SFUClient struct {
	baseURL   string
	appID     string
	appSecret string
	http      *http.Client
}

// NewSFUClient builds a client. If appID or appSecret is empty, Configured
// reports false and every call-site upstream of this client should treat
// the huddle as staying P2P rather than attempting a call.
func NewSFUClient(appID, appSecret string) *SFUClient {
	return &SFUClient{
		baseURL:   sfuBaseURL,
		appID:     appID,
		appSecret: appSecret,
		http:      &http.Client{Timeout: sfuRequestTimeout},
	}
}

// Configured reports whether both Cloudflare Calls credentials are set.
func (c *SFUClient) Configured() bool {
	return c.appID != "" && c.appSecret != ""
}

func (c *SFUClient) apiURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.appID, path)
}

// CreateSession calls POST sessions/new and returns the provider-assigned
// session id.
func (c *SFUClient) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, c.apiURL("sessions/new"), nil, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("sfu: create session response missing sessionId")
	}
	return out.SessionID, nil
}

// PublishTrack calls POST sessions/{sid}/tracks/new with autoDiscover and
// an SDP offer — the provider detects tracks from the offer itself.
func (c *SFUClient) PublishTrack(ctx context.Context, sessionID, sdpOffer string) (*TracksResponse, error) {
	body := map[string]any{
		"autoDiscover": true,
		"sessionDescription": SessionDescription{
			Type: "offer",
			SDP:  sdpOffer,
		},
	}
	var out TracksResponse
	if err := c.do(ctx, http.MethodPost, c.apiURL(fmt.Sprintf("sessions/%s/tracks/new", sessionID)), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubscribeTracks calls POST sessions/{sid}/tracks/new with an explicit
// remote-track list and no sessionDescription: the SFU itself generates
// the SDP offer the subscriber must answer via Renegotiate.
func (c *SFUClient) SubscribeTracks(ctx context.Context, subscriberSessionID string, tracks []wire.SFURemoteTrack) (*TracksResponse, error) {
	body := map[string]any{"tracks": tracks}
	var out TracksResponse
	if err := c.do(ctx, http.MethodPost, c.apiURL(fmt.Sprintf("sessions/%s/tracks/new", subscriberSessionID)), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Renegotiate calls PUT sessions/{sid}/renegotiate with the client's answer
// to a provider-generated offer, completing a subscribe flow.
func (c *SFUClient) Renegotiate(ctx context.Context, sessionID, sdpAnswer string) error {
	body := map[string]any{
		"sessionDescription": SessionDescription{Type: "answer", SDP: sdpAnswer},
	}
	return c.do(ctx, http.MethodPut, c.apiURL(fmt.Sprintf("sessions/%s/renegotiate", sessionID)), body, nil)
}

func (c *SFUClient) do(ctx context.Context, method, url string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sfu: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("sfu: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.appSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sfu: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sfu: provider returned %d: %s", resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sfu: decode response: %w", err)
	}
	return nil
}
