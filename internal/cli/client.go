package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"treepot/internal/auth"
	"treepot/internal/game"

	"github.com/avast/retry-go/v4"
)

type Client struct {
	BaseURL  string
	HTTP     *http.Client
	Attempts uint
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// Retryable reports whether a request that failed with err may be resent.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusConflict && strings.Contains(apiErr.Message, "retry later")
	}
	return err != nil && !errors.Is(err, context.Canceled)
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
		Attempts: 3,
	}
}

func (c *Client) Signup(ctx context.Context, account, secret, referrer string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"account":  account,
		"secret":   secret,
		"referrer": referrer,
	}, &out, "")
	return out, err
}

func (c *Client) Login(ctx context.Context, account, secret string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/token", "", map[string]any{
		"account": account,
		"secret":  secret,
	}, &out, "")
	return out, err
}

func (c *Client) Me(ctx context.Context, accessToken string) (game.Player, error) {
	var out game.Player
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/me", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Forget(ctx context.Context, accessToken string) error {
	return c.jsonRequest(ctx, http.MethodDelete, "/v1/me", accessToken, nil, nil, "")
}

func (c *Client) Deposit(ctx context.Context, accessToken, account string, amount game.Amount, idem string) (game.Player, error) {
	var out game.Player
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/players/"+url.PathEscape(account)+"/deposit", accessToken, map[string]any{
		"amount": amount,
	}, &out, idem)
	return out, err
}

func (c *Client) Withdraw(ctx context.Context, accessToken string, amount game.Amount, idem string) (game.Player, error) {
	var out game.Player
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/me/withdraw", accessToken, map[string]any{
		"amount": amount,
	}, &out, idem)
	return out, err
}

func (c *Client) ClaimVesting(ctx context.Context, accessToken string) (game.Player, error) {
	var out game.Player
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/me/vesting/claim", accessToken, map[string]any{}, &out, "")
	return out, err
}

func (c *Client) Journal(ctx context.Context, accessToken string, limit int) ([]game.JournalEntry, error) {
	var out struct {
		Entries []game.JournalEntry `json:"entries"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/me/journal?limit=%d", limit), accessToken, nil, &out, "")
	return out.Entries, err
}

func (c *Client) Channel(ctx context.Context, accessToken, owner string) (game.Channel, error) {
	path := "/v1/me/channel"
	if owner != "" {
		path = "/v1/channels/" + url.PathEscape(owner)
	}
	var out game.Channel
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out, "")
	return out, err
}

func (c *Client) AddChannelRevenue(ctx context.Context, accessToken, owner string, amount game.Amount, idem string) (game.Channel, error) {
	var out game.Channel
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/channels/"+url.PathEscape(owner)+"/revenue", accessToken, map[string]any{
		"amount": amount,
	}, &out, idem)
	return out, err
}

func (c *Client) MergeChannel(ctx context.Context, accessToken string) (game.Amount, error) {
	var out struct {
		Merged game.Amount `json:"merged"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/me/channel/merge", accessToken, map[string]any{}, &out, "")
	return out.Merged, err
}

func (c *Client) CreatePreset(ctx context.Context, accessToken string, p game.Preset, idem string) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/presets", accessToken, p, &out, idem)
	return out.ID, err
}

func (c *Client) Preset(ctx context.Context, accessToken string, id int64) (game.Preset, error) {
	var out game.Preset
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/presets/%d", id), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) UpdatePreset(ctx context.Context, accessToken string, p game.Preset) error {
	return c.jsonRequest(ctx, http.MethodPut, fmt.Sprintf("/v1/presets/%d", p.ID), accessToken, p, nil, "")
}

func (c *Client) RemovePreset(ctx context.Context, accessToken string, id int64) error {
	return c.jsonRequest(ctx, http.MethodDelete, fmt.Sprintf("/v1/presets/%d", id), accessToken, nil, nil, "")
}

func (c *Client) CreateBranch(ctx context.Context, accessToken string, presetID int64, pot game.Amount, idem string) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/branches", accessToken, map[string]any{
		"preset_id": presetID,
		"pot":       pot,
	}, &out, idem)
	return out.ID, err
}

func (c *Client) CreateChild(ctx context.Context, accessToken string, parentID int64, pot game.Amount, idem string) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/branches/%d/children", parentID), accessToken, map[string]any{
		"pot": pot,
	}, &out, idem)
	return out.ID, err
}

func (c *Client) Branch(ctx context.Context, accessToken string, id int64) (game.BranchView, error) {
	var out game.BranchView
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/branches/%d", id), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) AddStake(ctx context.Context, accessToken string, branchID int64, amount game.Amount, idem string) (game.StakeView, error) {
	var out game.StakeView
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/branches/%d/stakes", branchID), accessToken, map[string]any{
		"amount": amount,
	}, &out, idem)
	return out, err
}

func (c *Client) BranchStakes(ctx context.Context, accessToken string, branchID int64) ([]game.StakeView, error) {
	var out struct {
		Stakes []game.StakeView `json:"stakes"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/branches/%d/stakes", branchID), accessToken, nil, &out, "")
	return out.Stakes, err
}

func (c *Client) CreateRootLevel(ctx context.Context, accessToken string, branchID int64) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/branches/%d/level", branchID), accessToken, map[string]any{}, &out, "")
	return out.ID, err
}

func (c *Client) Level(ctx context.Context, accessToken string, id int64) (game.Level, error) {
	var out game.Level
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/levels/%d", id), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) SwitchBranch(ctx context.Context, accessToken string, branchID int64) (game.Player, error) {
	var out game.Player
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/branches/%d/switch", branchID), accessToken, map[string]any{}, &out, "")
	return out, err
}

func (c *Client) DeferRevenue(ctx context.Context, accessToken string, branchID int64, amount game.Amount, idem string) error {
	return c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/branches/%d/revenue", branchID), accessToken, map[string]any{
		"amount": amount,
	}, nil, idem)
}

func (c *Client) Allocate(ctx context.Context, accessToken string, branchID int64) (game.Allocation, error) {
	var out game.Allocation
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/branches/%d/revshare", branchID), accessToken, map[string]any{}, &out, "")
	return out, err
}

func (c *Client) SetWinner(ctx context.Context, accessToken string, branchID int64, winner string) error {
	return c.jsonRequest(ctx, http.MethodPut, fmt.Sprintf("/v1/branches/%d/winner", branchID), accessToken, map[string]any{
		"winner": winner,
	}, nil, "")
}

func (c *Client) RemoveBranch(ctx context.Context, accessToken string, branchID int64) error {
	return c.jsonRequest(ctx, http.MethodDelete, fmt.Sprintf("/v1/branches/%d", branchID), accessToken, nil, nil, "")
}

// Do sends a raw request, used when replaying queued commands.
func (c *Client) Do(ctx context.Context, method, path, accessToken string, body map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, method, path, accessToken, body, &out, idem)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	var raw []byte
	if in != nil {
		var err error
		raw, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}
	attempts := c.Attempts
	if attempts == 0 || (method != http.MethodGet && idem == "") {
		attempts = 1
	}
	return retry.Do(
		func() error {
			return c.send(ctx, method, path, accessToken, raw, out, idem)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(Retryable),
		retry.LastErrorOnly(true),
	)
}

func (c *Client) send(ctx context.Context, method, path, accessToken string, raw []byte, out any, idem string) error {
	var body io.Reader
	if raw != nil {
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "application/json")
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: errorMessage(msg)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
