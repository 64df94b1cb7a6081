// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs:
// user lookup, clip lookup, clip listing and clip creation, using an app access
// token (or a broadcaster user token for clip creation).
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/onnwee/clipcast/telemetry"
)

const helixBase = "https://api.twitch.tv/helix"

// clipsPageSize is the Helix maximum for /clips.
const clipsPageSize = 100

// maxClipPages bounds pagination for channels with huge clip catalogs.
const maxClipPages = 50

// User is the subset of a Helix user the bot needs.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Clip is the subset of a Helix clip the overlay needs. Duration is in seconds.
type Clip struct {
	ID       string  `json:"id"`
	URL      string  `json:"url"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

// HelixClient provides the Helix calls used by the clip queue.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client

	breakerOnce sync.Once
	breaker     *gobreaker.CircuitBreaker
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) cb() *gobreaker.CircuitBreaker {
	hc.breakerOnce.Do(func() {
		hc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "helix",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					return !apiErr.Transient()
				}
				return err == nil || IsNotFound(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("helix circuit state change", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
				telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
			},
		})
	})
	return hc.breaker
}

// get performs an authorized Helix request with the app token and decodes the JSON body into out.
func (hc *HelixClient) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return fmt.Errorf("app token: %w", err)
	}
	err = hc.do(ctx, http.MethodGet, endpoint, q, tok, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		// token revoked or rotated; next call fetches a fresh one
		hc.AppTokenSource.Invalidate()
	}
	return err
}

func (hc *HelixClient) do(ctx context.Context, method, endpoint string, q url.Values, bearer string, out any) error {
	_, err := hc.cb().Execute(func() (any, error) {
		return nil, hc.roundTrip(ctx, method, endpoint, q, bearer, out)
	})
	return err
}

func (hc *HelixClient) roundTrip(ctx context.Context, method, endpoint string, q url.Values, bearer string, out any) error {
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "helix "+method+" "+endpoint)
	defer span.End()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, helixBase+endpoint, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := hc.http().Do(req)
	if err != nil {
		telemetry.ObserveHelix(endpoint, "error", time.Since(start))
		telemetry.RecordError(span, err)
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.ObserveHelix(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Endpoint: endpoint, Status: resp.StatusCode, Body: string(b)}
		telemetry.RecordError(span, apiErr)
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode helix %s: %w", endpoint, err)
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

// GetUser resolves a login name to its Helix user.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("login", login)
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.get(ctx, "/users", q, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user %q: %w", login, ErrNotFound)
	}
	return &body.Data[0], nil
}

// GetClip looks up a single clip by id.
func (hc *HelixClient) GetClip(ctx context.Context, id string) (*Clip, error) {
	if id == "" {
		return nil, fmt.Errorf("clip id empty")
	}
	q := url.Values{}
	q.Set("id", id)
	var body struct {
		Data []Clip `json:"data"`
	}
	if err := hc.get(ctx, "/clips", q, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("clip %q: %w", id, ErrNotFound)
	}
	return &body.Data[0], nil
}

// ListClipsPage returns one page of a broadcaster's clips and the cursor for the next one.
func (hc *HelixClient) ListClipsPage(ctx context.Context, broadcasterID, after string) ([]Clip, string, error) {
	if broadcasterID == "" {
		return nil, "", fmt.Errorf("broadcasterID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("first", strconv.Itoa(clipsPageSize))
	if after != "" {
		q.Set("after", after)
	}
	var body struct {
		Data       []Clip `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.get(ctx, "/clips", q, &body); err != nil {
		return nil, "", err
	}
	return body.Data, body.Pagination.Cursor, nil
}

// ListClips returns every clip of a broadcaster, following cursors until exhausted.
func (hc *HelixClient) ListClips(ctx context.Context, broadcasterID string) ([]Clip, error) {
	var all []Clip
	cursor := ""
	for page := 0; page < maxClipPages; page++ {
		clips, next, err := hc.ListClipsPage(ctx, broadcasterID, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, clips...)
		if next == "" || next == cursor {
			return all, nil
		}
		cursor = next
	}
	slog.Warn("clip listing truncated", slog.String("broadcaster_id", broadcasterID), slog.Int("clips", len(all)))
	return all, nil
}

// CreateClip asks Twitch to clip the broadcaster's live stream. userToken must be a
// broadcaster (or editor) user token with clips:edit. Returns the new clip id.
func (hc *HelixClient) CreateClip(ctx context.Context, broadcasterID, userToken string) (string, error) {
	if broadcasterID == "" {
		return "", fmt.Errorf("broadcasterID empty")
	}
	if userToken == "" {
		return "", fmt.Errorf("user token empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	var body struct {
		Data []struct {
			ID      string `json:"id"`
			EditURL string `json:"edit_url"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/clips", q, userToken, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return "", fmt.Errorf("create clip for %s: %w", broadcasterID, ErrNotFound)
	}
	return body.Data[0].ID, nil
}

// GetAuthenticatedUser returns the user that owns userToken.
func (hc *HelixClient) GetAuthenticatedUser(ctx context.Context, userToken string) (*User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", url.Values{}, userToken, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("authenticated user: %w", ErrNotFound)
	}
	return &body.Data[0], nil
}
