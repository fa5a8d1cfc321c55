package server

import (
	"time"

	"homefront/internal/config"
	"homefront/internal/domain"
)

// Request payloads

type EnlistAgentRequest struct {
	Name string `json:"name"`
	Role string `json:"role" enum:"commander,lieutenant,agent"`
}

type CreateMissionRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	Difficulty  string  `json:"difficulty" enum:"easy,medium,hard"`
	AssignedTo  *string `json:"assigned_to,omitempty"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
	Recurring   bool    `json:"recurring,omitempty"`
	Pattern     *string `json:"recurrence_pattern,omitempty"`
	FieldBonus  *int    `json:"field_bonus,omitempty"`
}

type StockVaultRequest struct {
	BrandName    string `json:"brand_name"`
	Denomination int    `json:"denomination,omitempty"`
	GiftCode     string `json:"gift_code"`
	PointsCost   int    `json:"points_cost"`
}

type CreateRewardRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	PointsCost  int     `json:"points_cost"`
}

type UpdateRewardRequest struct {
	Active *bool `json:"active,omitempty"`
}

type IssueAPIKeyRequest struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	AgentID string `json:"agent_id"`
}

// Response payloads

type FamilyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AgentResponse struct {
	ID        string `json:"id"`
	FamilyID  string `json:"family_id"`
	Name      string `json:"name"`
	Role      string `json:"role" enum:"commander,lieutenant,agent"`
	Points    int    `json:"points"`
	Rank      string `json:"rank"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RankResponse struct {
	AgentID      string `json:"agent_id"`
	Points       int    `json:"points"`
	Rank         string `json:"rank"`
	NextRank     string `json:"next_rank,omitempty"`
	PointsToNext int    `json:"points_to_next"`
	Progress     int    `json:"progress_percent"`
}

type StreakResponse struct {
	AgentID string `json:"agent_id"`
	Streak  int    `json:"streak"`
}

type MissionResponse struct {
	ID          string  `json:"id"`
	FamilyID    string  `json:"family_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category"`
	Difficulty  string  `json:"difficulty" enum:"easy,medium,hard"`
	Status      string  `json:"status" enum:"pending,in_progress,awaiting_verification,verified,closed"`
	CreatedBy   string  `json:"created_by"`
	AssignedTo  *string `json:"assigned_to,omitempty"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
	Overdue     bool    `json:"overdue"`
	Recurring   bool    `json:"recurring"`
	Pattern     string  `json:"recurrence_pattern,omitempty"`
	RankPoints  int     `json:"rank_points"`
	FieldBonus  *int    `json:"field_bonus,omitempty"`
	Version     int     `json:"version"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	VerifiedAt  *string `json:"verified_at,omitempty" format:"date-time"`
}

type VerifyMissionResponse struct {
	Mission   MissionResponse  `json:"mission"`
	Successor *MissionResponse `json:"successor,omitempty"`
}

type VaultCardResponse struct {
	ID           string  `json:"id"`
	FamilyID     string  `json:"family_id"`
	BrandName    string  `json:"brand_name"`
	Denomination int     `json:"denomination"`
	GiftCode     string  `json:"gift_code,omitempty"`
	PointsCost   int     `json:"points_cost"`
	Status       string  `json:"status" enum:"available,redeemed,expired"`
	RedeemedBy   *string `json:"redeemed_by,omitempty"`
	RedeemedAt   *string `json:"redeemed_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type RewardResponse struct {
	ID          string `json:"id"`
	FamilyID    string `json:"family_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	PointsCost  int    `json:"points_cost"`
	CreatedBy   string `json:"created_by"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type RequestResponse struct {
	ID        string  `json:"id"`
	FamilyID  string  `json:"family_id"`
	RewardID  string  `json:"reward_id"`
	AgentID   string  `json:"agent_id"`
	State     string  `json:"state" enum:"pending,approved,denied"`
	DecidedBy *string `json:"decided_by,omitempty"`
	DecidedAt *string `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FamilyID   string `json:"family_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type FamilyConfigResponse struct {
	FamilyID     string           `json:"family_id"`
	Ranks        []RankTierDTO    `json:"ranks"`
	Difficulties map[string]int   `json:"difficulties"`
	Categories   map[string]string `json:"categories"`
}

type RankTierDTO struct {
	Name      string `json:"name"`
	MinPoints int    `json:"min_points"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role,omitempty"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mappers

func familyResponse(f domain.Family) FamilyResponse {
	return FamilyResponse{ID: f.ID, Name: f.Name, CreatedAt: f.CreatedAt}
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		ID:        a.ID,
		FamilyID:  a.FamilyID,
		Name:      a.Name,
		Role:      string(a.Role),
		Points:    a.Points,
		Rank:      a.Rank,
		CreatedAt: a.CreatedAt,
	}
}

func missionResponse(m domain.Mission, now time.Time) MissionResponse {
	return MissionResponse{
		ID:          m.ID,
		FamilyID:    m.FamilyID,
		Title:       m.Title,
		Description: m.Description,
		Category:    m.Category,
		Difficulty:  string(m.Difficulty),
		Status:      string(m.Status),
		CreatedBy:   m.CreatedBy,
		AssignedTo:  m.AssignedTo,
		DueDate:     m.DueDate,
		Overdue:     m.IsOverdue(now),
		Recurring:   m.Recurring,
		Pattern:     string(m.Pattern),
		RankPoints:  m.RankPoints,
		FieldBonus:  m.FieldBonus,
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
		VerifiedAt:  m.VerifiedAt,
	}
}

func mapMissions(items []domain.Mission, now time.Time) []MissionResponse {
	res := make([]MissionResponse, 0, len(items))
	for _, m := range items {
		res = append(res, missionResponse(m, now))
	}
	return res
}

// vaultCardResponse hides the gift code unless disclose is set; the code
// is only disclosed on the redeeming transaction.
func vaultCardResponse(c domain.VaultCard, disclose bool) VaultCardResponse {
	resp := VaultCardResponse{
		ID:           c.ID,
		FamilyID:     c.FamilyID,
		BrandName:    c.BrandName,
		Denomination: c.Denomination,
		PointsCost:   c.PointsCost,
		Status:       string(c.Status),
		RedeemedBy:   c.RedeemedBy,
		RedeemedAt:   c.RedeemedAt,
		CreatedAt:    c.CreatedAt,
	}
	if disclose {
		resp.GiftCode = c.GiftCode
	}
	return resp
}

func mapVaultCards(items []domain.VaultCard) []VaultCardResponse {
	res := make([]VaultCardResponse, 0, len(items))
	for _, c := range items {
		res = append(res, vaultCardResponse(c, false))
	}
	return res
}

func rewardResponse(fr domain.FamilyReward) RewardResponse {
	return RewardResponse{
		ID:          fr.ID,
		FamilyID:    fr.FamilyID,
		Title:       fr.Title,
		Description: fr.Description,
		PointsCost:  fr.PointsCost,
		CreatedBy:   fr.CreatedBy,
		Active:      fr.Active,
		CreatedAt:   fr.CreatedAt,
	}
}

func mapRewards(items []domain.FamilyReward) []RewardResponse {
	res := make([]RewardResponse, 0, len(items))
	for _, fr := range items {
		res = append(res, rewardResponse(fr))
	}
	return res
}

func requestResponse(req domain.RedemptionRequest) RequestResponse {
	return RequestResponse{
		ID:        req.ID,
		FamilyID:  req.FamilyID,
		RewardID:  req.RewardID,
		AgentID:   req.AgentID,
		State:     string(req.State),
		DecidedBy: req.DecidedBy,
		DecidedAt: req.DecidedAt,
		CreatedAt: req.CreatedAt,
	}
}

func mapRequests(items []domain.RedemptionRequest) []RequestResponse {
	res := make([]RequestResponse, 0, len(items))
	for _, req := range items {
		res = append(res, requestResponse(req))
	}
	return res
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		FamilyID:   evt.FamilyID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    evt.Payload,
	}
}

func configResponse(cfg *config.Config) FamilyConfigResponse {
	resp := FamilyConfigResponse{
		FamilyID:     cfg.Family.ID,
		Difficulties: cfg.Difficulties,
		Categories:   map[string]string{},
	}
	for _, t := range cfg.Ranks {
		resp.Ranks = append(resp.Ranks, RankTierDTO{Name: t.Name, MinPoints: t.MinPoints})
	}
	for key, cat := range cfg.Categories {
		resp.Categories[key] = cat.Label
	}
	return resp
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
