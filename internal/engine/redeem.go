package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"homefront/internal/domain"
	"homefront/internal/events"
)

// VaultCardOptions are parameters for stocking the vault.
type VaultCardOptions struct {
	FamilyID     string
	BrandName    string
	Denomination int
	GiftCode     string
	PointsCost   int
	ActorID      string
}

// AddVaultCard stocks a gift card. Commander only; the card is a scarce
// resource redeemable by at most one agent.
func (e Engine) AddVaultCard(ctx context.Context, opts VaultCardOptions) (domain.VaultCard, error) {
	if opts.BrandName == "" {
		return domain.VaultCard{}, ValidationError{Field: "brand_name", Reason: "required"}
	}
	if opts.GiftCode == "" {
		return domain.VaultCard{}, ValidationError{Field: "gift_code", Reason: "required"}
	}
	if opts.PointsCost <= 0 {
		return domain.VaultCard{}, ValidationError{Field: "points_cost", Reason: "must be positive"}
	}
	actor, err := e.Repo.GetAgent(ctx, opts.ActorID)
	if err != nil {
		return domain.VaultCard{}, err
	}
	if actor.FamilyID != opts.FamilyID || actor.Role != domain.RoleCommander {
		return domain.VaultCard{}, UnauthorizedError{AgentID: opts.ActorID, Action: "stock the vault"}
	}
	c := domain.VaultCard{
		ID:           uuid.New().String(),
		FamilyID:     opts.FamilyID,
		BrandName:    opts.BrandName,
		Denomination: opts.Denomination,
		GiftCode:     opts.GiftCode,
		PointsCost:   opts.PointsCost,
		AddedBy:      opts.ActorID,
		Status:       domain.VaultAvailable,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertVaultCardTx(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "vault.stocked", c.FamilyID, "vault_card", c.ID, opts.ActorID, events.EventPayload{"brand": c.BrandName, "points_cost": c.PointsCost}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// RedeemVaultCard spends the agent's points against an available card and
// marks it redeemed, in one transaction. The status-guarded update makes
// concurrent redeems on the same card first-wins; the loser gets
// ErrAlreadyRedeemed. The gift code is disclosed only on success.
func (e Engine) RedeemVaultCard(ctx context.Context, cardID, agentID string) (domain.VaultCard, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VaultCard{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetVaultCardTx(ctx, tx, cardID)
	if err != nil {
		return domain.VaultCard{}, err
	}
	agent, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return domain.VaultCard{}, err
	}
	if agent.FamilyID != c.FamilyID {
		return domain.VaultCard{}, UnauthorizedError{AgentID: agentID, Action: "redeem from this vault"}
	}
	if c.Status != domain.VaultAvailable {
		return domain.VaultCard{}, ErrAlreadyRedeemed
	}
	if agent.Points < c.PointsCost {
		return domain.VaultCard{}, InsufficientPointsError{AgentID: agentID, Balance: agent.Points, Cost: c.PointsCost}
	}
	newPoints, ok, err := e.Repo.TrySpendPointsTx(ctx, tx, agentID, c.PointsCost)
	if err != nil {
		return domain.VaultCard{}, err
	}
	if !ok {
		return domain.VaultCard{}, InsufficientPointsError{AgentID: agentID, Balance: agent.Points, Cost: c.PointsCost}
	}
	now := e.now().UTC().Format(time.RFC3339)
	won, err := e.Repo.TryRedeemVaultCardTx(ctx, tx, cardID, agentID, now)
	if err != nil {
		return domain.VaultCard{}, err
	}
	if !won {
		// the rollback undoes the spend
		return domain.VaultCard{}, ErrAlreadyRedeemed
	}
	if err := e.Repo.SetAgentRankTx(ctx, tx, agentID, e.ladder().For(newPoints).Name); err != nil {
		return domain.VaultCard{}, err
	}
	if err := e.Events.Append(ctx, tx, "vault.redeemed", c.FamilyID, "vault_card", c.ID, agentID, events.EventPayload{"points_cost": c.PointsCost}); err != nil {
		return domain.VaultCard{}, err
	}
	if err := e.Events.Append(ctx, tx, "points.spent", c.FamilyID, "agent", agentID, agentID, events.EventPayload{"delta": c.PointsCost, "balance": newPoints}); err != nil {
		return domain.VaultCard{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VaultCard{}, err
	}
	c.Status = domain.VaultRedeemed
	c.RedeemedBy = &agentID
	c.RedeemedAt = &now
	return c, nil
}

// ExpireVaultCard pulls an available card out of circulation. Commander
// only; a card that was already redeemed stays redeemed.
func (e Engine) ExpireVaultCard(ctx context.Context, cardID, actorID string) (domain.VaultCard, error) {
	actor, err := e.Repo.GetAgent(ctx, actorID)
	if err != nil {
		return domain.VaultCard{}, err
	}
	if actor.Role != domain.RoleCommander {
		return domain.VaultCard{}, UnauthorizedError{AgentID: actorID, Action: "expire vault cards"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VaultCard{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetVaultCardTx(ctx, tx, cardID)
	if err != nil {
		return domain.VaultCard{}, err
	}
	if actor.FamilyID != c.FamilyID {
		return domain.VaultCard{}, UnauthorizedError{AgentID: actorID, Action: "expire cards in this vault"}
	}
	if c.Status != domain.VaultAvailable {
		return c, InvalidTransitionError{Entity: "vault card", From: string(c.Status), To: string(domain.VaultExpired)}
	}
	won, err := e.Repo.ExpireVaultCardTx(ctx, tx, cardID)
	if err != nil {
		return c, err
	}
	if !won {
		return c, ErrConcurrentModification
	}
	if err := e.Events.Append(ctx, tx, "vault.expired", c.FamilyID, "vault_card", c.ID, actorID, events.EventPayload{"brand": c.BrandName}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	c.Status = domain.VaultExpired
	return c, nil
}

// FamilyRewardOptions are parameters for defining a family reward.
type FamilyRewardOptions struct {
	FamilyID    string
	Title       string
	Description string
	PointsCost  int
	ActorID     string
}

// CreateFamilyReward defines an unlimited reward redeemable through the
// request/approve flow.
func (e Engine) CreateFamilyReward(ctx context.Context, opts FamilyRewardOptions) (domain.FamilyReward, error) {
	if opts.Title == "" {
		return domain.FamilyReward{}, ValidationError{Field: "title", Reason: "required"}
	}
	if opts.PointsCost <= 0 {
		return domain.FamilyReward{}, ValidationError{Field: "points_cost", Reason: "must be positive"}
	}
	actor, err := e.Repo.GetAgent(ctx, opts.ActorID)
	if err != nil {
		return domain.FamilyReward{}, err
	}
	if actor.FamilyID != opts.FamilyID || !actor.Role.CanApprove() {
		return domain.FamilyReward{}, UnauthorizedError{AgentID: opts.ActorID, Action: "create rewards"}
	}
	fr := domain.FamilyReward{
		ID:          uuid.New().String(),
		FamilyID:    opts.FamilyID,
		Title:       opts.Title,
		Description: opts.Description,
		PointsCost:  opts.PointsCost,
		CreatedBy:   opts.ActorID,
		Active:      true,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fr, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertFamilyRewardTx(ctx, tx, fr); err != nil {
		return fr, err
	}
	if err := e.Events.Append(ctx, tx, "reward.created", fr.FamilyID, "family_reward", fr.ID, opts.ActorID, events.EventPayload{"title": fr.Title, "points_cost": fr.PointsCost}); err != nil {
		return fr, err
	}
	if err := tx.Commit(); err != nil {
		return fr, err
	}
	return fr, nil
}

// SetFamilyRewardActive retires or reinstates a reward. Inactive rewards
// cannot be requested; existing requests are unaffected.
func (e Engine) SetFamilyRewardActive(ctx context.Context, rewardID string, active bool, actorID string) (domain.FamilyReward, error) {
	actor, err := e.Repo.GetAgent(ctx, actorID)
	if err != nil {
		return domain.FamilyReward{}, err
	}
	fr, err := e.Repo.GetFamilyReward(ctx, rewardID)
	if err != nil {
		return domain.FamilyReward{}, err
	}
	if actor.FamilyID != fr.FamilyID || !actor.Role.CanApprove() {
		return fr, UnauthorizedError{AgentID: actorID, Action: "manage rewards"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fr, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetFamilyRewardActiveTx(ctx, tx, rewardID, active); err != nil {
		return fr, err
	}
	if err := e.Events.Append(ctx, tx, "reward.updated", fr.FamilyID, "family_reward", fr.ID, actorID, events.EventPayload{"active": active}); err != nil {
		return fr, err
	}
	if err := tx.Commit(); err != nil {
		return fr, err
	}
	fr.Active = active
	return fr, nil
}

// RequestRedemption opens a pending request against a family reward. No
// points move until a commander or lieutenant approves.
func (e Engine) RequestRedemption(ctx context.Context, rewardID, agentID string) (domain.RedemptionRequest, error) {
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.RedemptionRequest{}, err
	}
	fr, err := e.Repo.GetFamilyReward(ctx, rewardID)
	if err != nil {
		return domain.RedemptionRequest{}, err
	}
	if agent.FamilyID != fr.FamilyID {
		return domain.RedemptionRequest{}, UnauthorizedError{AgentID: agentID, Action: "request rewards in this family"}
	}
	if !fr.Active {
		return domain.RedemptionRequest{}, ValidationError{Field: "reward_id", Reason: "reward is retired"}
	}
	req := domain.RedemptionRequest{
		ID:        uuid.New().String(),
		FamilyID:  fr.FamilyID,
		RewardID:  fr.ID,
		AgentID:   agentID,
		State:     domain.RequestPending,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequestTx(ctx, tx, req); err != nil {
		return req, err
	}
	if err := e.Events.Append(ctx, tx, "reward.requested", req.FamilyID, "redemption_request", req.ID, agentID, events.EventPayload{"reward": fr.ID}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	return req, nil
}

// ApproveRedemption settles a pending request. The balance check happens
// at approval time, not request time; on InsufficientPoints the request
// stays pending so it can be retried later or denied.
func (e Engine) ApproveRedemption(ctx context.Context, requestID, approverID string) (domain.RedemptionRequest, error) {
	approver, err := e.Repo.GetAgent(ctx, approverID)
	if err != nil {
		return domain.RedemptionRequest{}, err
	}
	if !approver.Role.CanApprove() {
		return domain.RedemptionRequest{}, UnauthorizedError{AgentID: approverID, Action: "approve redemptions"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RedemptionRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.RedemptionRequest{}, err
	}
	if approver.FamilyID != req.FamilyID {
		return req, UnauthorizedError{AgentID: approverID, Action: "approve redemptions in this family"}
	}
	if req.State != domain.RequestPending {
		return req, InvalidTransitionError{Entity: "redemption request", From: string(req.State), To: string(domain.RequestApproved)}
	}
	fr, err := e.Repo.GetFamilyRewardTx(ctx, tx, req.RewardID)
	if err != nil {
		return req, err
	}
	newPoints, ok, err := e.Repo.TrySpendPointsTx(ctx, tx, req.AgentID, fr.PointsCost)
	if err != nil {
		return req, err
	}
	if !ok {
		agent, err := e.Repo.GetAgentTx(ctx, tx, req.AgentID)
		if err != nil {
			return req, err
		}
		return req, InsufficientPointsError{AgentID: req.AgentID, Balance: agent.Points, Cost: fr.PointsCost}
	}
	now := e.now().UTC().Format(time.RFC3339)
	won, err := e.Repo.TryDecideRequestTx(ctx, tx, req.ID, domain.RequestApproved, approverID, now)
	if err != nil {
		return req, err
	}
	if !won {
		return req, ErrConcurrentModification
	}
	if err := e.Repo.SetAgentRankTx(ctx, tx, req.AgentID, e.ladder().For(newPoints).Name); err != nil {
		return req, err
	}
	if err := e.Events.Append(ctx, tx, "reward.approved", req.FamilyID, "redemption_request", req.ID, approverID, events.EventPayload{"reward": fr.ID, "agent": req.AgentID}); err != nil {
		return req, err
	}
	if err := e.Events.Append(ctx, tx, "points.spent", req.FamilyID, "agent", req.AgentID, approverID, events.EventPayload{"delta": fr.PointsCost, "balance": newPoints}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	req.State = domain.RequestApproved
	req.DecidedBy = &approverID
	req.DecidedAt = &now
	return req, nil
}

// DenyRedemption terminally denies a pending request. No ledger effect.
func (e Engine) DenyRedemption(ctx context.Context, requestID, approverID string) (domain.RedemptionRequest, error) {
	approver, err := e.Repo.GetAgent(ctx, approverID)
	if err != nil {
		return domain.RedemptionRequest{}, err
	}
	if !approver.Role.CanApprove() {
		return domain.RedemptionRequest{}, UnauthorizedError{AgentID: approverID, Action: "deny redemptions"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RedemptionRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.RedemptionRequest{}, err
	}
	if approver.FamilyID != req.FamilyID {
		return req, UnauthorizedError{AgentID: approverID, Action: "deny redemptions in this family"}
	}
	if req.State != domain.RequestPending {
		return req, InvalidTransitionError{Entity: "redemption request", From: string(req.State), To: string(domain.RequestDenied)}
	}
	now := e.now().UTC().Format(time.RFC3339)
	won, err := e.Repo.TryDecideRequestTx(ctx, tx, req.ID, domain.RequestDenied, approverID, now)
	if err != nil {
		return req, err
	}
	if !won {
		return req, ErrConcurrentModification
	}
	if err := e.Events.Append(ctx, tx, "reward.denied", req.FamilyID, "redemption_request", req.ID, approverID, events.EventPayload{"reward": req.RewardID}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	req.State = domain.RequestDenied
	req.DecidedBy = &approverID
	req.DecidedAt = &now
	return req, nil
}
