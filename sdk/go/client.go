package homefrontsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Homefront HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID         string  `json:"id"`
	FamilyID   string  `json:"family_id"`
	Title      string  `json:"title"`
	Category   string  `json:"category"`
	Difficulty string  `json:"difficulty"`
	Status     string  `json:"status"`
	AssignedTo *string `json:"assigned_to,omitempty"`
	DueDate    *string `json:"due_date,omitempty"`
	Overdue    bool    `json:"overdue"`
	RankPoints int     `json:"rank_points"`
}

// VerifyResult pairs a verified mission with its recurring successor, if any.
type VerifyResult struct {
	Mission   Mission  `json:"mission"`
	Successor *Mission `json:"successor,omitempty"`
}

// Agent represents a family member.
type Agent struct {
	ID       string `json:"id"`
	FamilyID string `json:"family_id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Points   int    `json:"points"`
	Rank     string `json:"rank"`
}

// Rank describes standing and progress toward the next tier.
type Rank struct {
	AgentID      string `json:"agent_id"`
	Points       int    `json:"points"`
	Rank         string `json:"rank"`
	NextRank     string `json:"next_rank,omitempty"`
	PointsToNext int    `json:"points_to_next"`
	Progress     int    `json:"progress_percent"`
}

// VaultCard represents a gift card. GiftCode is populated only in the
// redemption response.
type VaultCard struct {
	ID           string `json:"id"`
	FamilyID     string `json:"family_id"`
	BrandName    string `json:"brand_name"`
	Denomination int    `json:"denomination"`
	GiftCode     string `json:"gift_code,omitempty"`
	PointsCost   int    `json:"points_cost"`
	Status       string `json:"status"`
}

// Reward represents a repeatable family reward.
type Reward struct {
	ID         string `json:"id"`
	FamilyID   string `json:"family_id"`
	Title      string `json:"title"`
	PointsCost int    `json:"points_cost"`
	Active     bool   `json:"active"`
}

// RedemptionRequest tracks the two-phase reward flow.
type RedemptionRequest struct {
	ID       string `json:"id"`
	RewardID string `json:"reward_id"`
	AgentID  string `json:"agent_id"`
	State    string `json:"state"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	FamilyID   string `json:"family_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateMission creates a mission.
func (c *Client) CreateMission(ctx context.Context, title, category, difficulty string) (Mission, error) {
	body := map[string]any{
		"title":      title,
		"category":   category,
		"difficulty": difficulty,
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "v0/missions", body, &resp)
	return resp, err
}

// AcceptMission claims a pending mission.
func (c *Client) AcceptMission(ctx context.Context, missionID string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "accept"), nil, &resp)
	return resp, err
}

// SubmitMission submits a claimed mission for verification.
func (c *Client) SubmitMission(ctx context.Context, missionID string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "submit"), nil, &resp)
	return resp, err
}

// VerifyMission verifies a submitted mission and credits points.
func (c *Client) VerifyMission(ctx context.Context, missionID string) (VerifyResult, error) {
	var resp VerifyResult
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "verify"), nil, &resp)
	return resp, err
}

// GetRank returns an agent's rank and progress.
func (c *Client) GetRank(ctx context.Context, agentID string) (Rank, error) {
	var resp Rank
	endpoint := fmt.Sprintf("v0/agents/%s/rank", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListVault lists vault cards, optionally filtered by status.
func (c *Client) ListVault(ctx context.Context, status string) ([]VaultCard, error) {
	endpoint := "v0/vault"
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []VaultCard
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RedeemVaultCard redeems a card. On success the returned card carries
// the disclosed gift code.
func (c *Client) RedeemVaultCard(ctx context.Context, cardID string) (VaultCard, error) {
	var resp VaultCard
	endpoint := fmt.Sprintf("v0/vault/%s/redeem", url.PathEscape(cardID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ExpireVaultCard pulls an available card out of circulation. Commander
// credentials required.
func (c *Client) ExpireVaultCard(ctx context.Context, cardID string) (VaultCard, error) {
	var resp VaultCard
	endpoint := fmt.Sprintf("v0/vault/%s/expire", url.PathEscape(cardID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RequestRedemption opens a pending request against a family reward.
func (c *Client) RequestRedemption(ctx context.Context, rewardID string) (RedemptionRequest, error) {
	var resp RedemptionRequest
	endpoint := fmt.Sprintf("v0/rewards/%s/requests", url.PathEscape(rewardID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ApproveRedemption approves a pending request, spending the points.
func (c *Client) ApproveRedemption(ctx context.Context, requestID string) (RedemptionRequest, error) {
	var resp RedemptionRequest
	endpoint := fmt.Sprintf("v0/requests/%s/approve", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// DenyRedemption denies a pending request.
func (c *Client) DenyRedemption(ctx context.Context, requestID string) (RedemptionRequest, error) {
	var resp RedemptionRequest
	endpoint := fmt.Sprintf("v0/requests/%s/deny", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) missionPath(missionID, action string) string {
	return fmt.Sprintf("v0/missions/%s/%s", url.PathEscape(missionID), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
