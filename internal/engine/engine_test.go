package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"homefront/internal/config"
	"homefront/internal/db"
	"homefront/internal/domain"
	"homefront/internal/engine"
	"homefront/internal/migrate"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Family    domain.Family
	Commander domain.Agent
	Kid       domain.Agent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(""))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	fam, commander, err := eng.InitFamily(ctx, "The Testers", "Dana")
	if err != nil {
		t.Fatalf("init family: %v", err)
	}
	kid, err := eng.EnlistAgent(ctx, fam.ID, "Sam", domain.RoleAgent, commander.ID)
	if err != nil {
		t.Fatalf("enlist: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, Family: fam, Commander: commander, Kid: kid}
}

func (env *testEnv) setClock(t *testing.T, at time.Time) {
	t.Helper()
	env.Engine.Now = func() time.Time { return at }
}

func (env *testEnv) seedPoints(t *testing.T, agentID string, points int) {
	t.Helper()
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE agents SET points=? WHERE id=?`, points, agentID); err != nil {
		t.Fatalf("seed points: %v", err)
	}
}

func (env *testEnv) createMission(t *testing.T, opts engine.MissionCreateOptions) domain.Mission {
	t.Helper()
	if opts.FamilyID == "" {
		opts.FamilyID = env.Family.ID
	}
	if opts.ActorID == "" {
		opts.ActorID = env.Commander.ID
	}
	if opts.Difficulty == "" {
		opts.Difficulty = domain.DifficultyMedium
	}
	m, err := env.Engine.CreateMission(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	return m
}

func TestMissionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t, engine.MissionCreateOptions{Title: "Dishes", Category: "dishes"})

	m, err := env.Engine.AcceptMission(env.Ctx, m.ID, env.Kid.ID)
	if err != nil || m.Status != domain.MissionInProgress {
		t.Fatalf("accept: %v status=%s", err, m.Status)
	}
	if m.AssignedTo == nil || *m.AssignedTo != env.Kid.ID {
		t.Fatalf("expected claim to assign mission")
	}
	m, err = env.Engine.SubmitForVerification(env.Ctx, m.ID, env.Kid.ID)
	if err != nil || m.Status != domain.MissionAwaitingVerification {
		t.Fatalf("submit: %v status=%s", err, m.Status)
	}
	if m.CompletedAt == nil {
		t.Fatalf("expected completed_at set on submit")
	}
	m, successor, err := env.Engine.VerifyMission(env.Ctx, m.ID, env.Commander.ID)
	if err != nil || m.Status != domain.MissionVerified {
		t.Fatalf("verify: %v status=%s", err, m.Status)
	}
	if successor != nil {
		t.Fatalf("non-recurring mission spawned a successor")
	}
	kid, err := env.Engine.Repo.GetAgent(env.Ctx, env.Kid.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kid.Points != 25 {
		t.Fatalf("expected 25 points for medium, got %d", kid.Points)
	}
	if kid.Rank != "RECRUIT" {
		t.Fatalf("unexpected rank %s", kid.Rank)
	}
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t, engine.MissionCreateOptions{Title: "Laundry", Category: "laundry"})

	// verify straight from pending
	var transition engine.InvalidTransitionError
	if _, _, err := env.Engine.VerifyMission(env.Ctx, m.ID, env.Commander.ID); !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	// submit before accept
	if _, err := env.Engine.SubmitForVerification(env.Ctx, m.ID, env.Kid.ID); !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if _, err := env.Engine.AcceptMission(env.Ctx, m.ID, env.Kid.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// a second claim on an already-claimed mission
	other, err := env.Engine.EnlistAgent(env.Ctx, env.Family.ID, "Robin", domain.RoleAgent, env.Commander.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptMission(env.Ctx, m.ID, other.ID); !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError on second claim, got %v", err)
	}
}

func TestRoleAndOwnershipGuards(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t, engine.MissionCreateOptions{Title: "Room check", Category: "room", AssignedTo: env.Kid.ID})

	other, err := env.Engine.EnlistAgent(env.Ctx, env.Family.ID, "Robin", domain.RoleAgent, env.Commander.ID)
	if err != nil {
		t.Fatal(err)
	}
	var unauthorized engine.UnauthorizedError
	// assigned mission can only be accepted by the assignee
	if _, err := env.Engine.AcceptMission(env.Ctx, m.ID, other.ID); !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if _, err := env.Engine.AcceptMission(env.Ctx, m.ID, env.Kid.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// only the assignee may submit
	if _, err := env.Engine.SubmitForVerification(env.Ctx, m.ID, other.ID); !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if _, err := env.Engine.SubmitForVerification(env.Ctx, m.ID, env.Kid.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// a plain agent cannot verify
	if _, _, err := env.Engine.VerifyMission(env.Ctx, m.ID, other.ID); !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	// lieutenants can
	lt, err := env.Engine.EnlistAgent(env.Ctx, env.Family.ID, "Alex", domain.RoleLieutenant, env.Commander.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.VerifyMission(env.Ctx, m.ID, lt.ID); err != nil {
		t.Fatalf("lieutenant verify: %v", err)
	}
}

func TestRejectReturnsMissionForRework(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t, engine.MissionCreateOptions{Title: "Walk dog", Category: "pets"})
	_, _ = env.Engine.AcceptMission(env.Ctx, m.ID, env.Kid.ID)
	_, _ = env.Engine.SubmitForVerification(env.Ctx, m.ID, env.Kid.ID)

	m, err := env.Engine.RejectMission(env.Ctx, m.ID, env.Commander.ID)
	if err != nil || m.Status != domain.MissionInProgress {
		t.Fatalf("reject: %v status=%s", err, m.Status)
	}
	if m.CompletedAt != nil {
		t.Fatalf("expected completed_at cleared on reject")
	}
	kid, _ := env.Engine.Repo.GetAgent(env.Ctx, env.Kid.ID)
	if kid.Points != 0 {
		t.Fatalf("reject must not credit points, got %d", kid.Points)
	}
	// the cycle repeats
	if _, err := env.Engine.SubmitForVerification(env.Ctx, m.ID, env.Kid.ID); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if _, _, err := env.Engine.VerifyMission(env.Ctx, m.ID, env.Commander.ID); err != nil {
		t.Fatalf("verify after rework: %v", err)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t, engine.MissionCreateOptions{Title: "Rake leaves", Category: "outdoor"})

	m, err := env.Engine.CloseMission(env.Ctx, m.ID, env.Commander.ID)
	if err != nil || m.Status != domain.MissionClosed {
		t.Fatalf("close: %v status=%s", err, m.Status)
	}
	var transition engine.InvalidTransitionError
	if _, err := env.Engine.AcceptMission(env.Ctx, m.ID, env.Kid.ID); !errors.As(err, &transition) {
		t.Fatalf("expected closed to be terminal, got %v", err)
	}
	if _, err := env.Engine.CloseMission(env.Ctx, m.ID, env.Commander.ID); !errors.As(err, &transition) {
		t.Fatalf("expected double close to fail, got %v", err)
	}
	// verified missions cannot be closed either
	m2 := env.createMission(t, engine.MissionCreateOptions{Title: "Dishes", Category: "dishes"})
	_, _ = env.Engine.AcceptMission(env.Ctx, m2.ID, env.Kid.ID)
	_, _ = env.Engine.SubmitForVerification(env.Ctx, m2.ID, env.Kid.ID)
	_, _, _ = env.Engine.VerifyMission(env.Ctx, m2.ID, env.Commander.ID)
	if _, err := env.Engine.CloseMission(env.Ctx, m2.ID, env.Commander.ID); !errors.As(err, &transition) {
		t.Fatalf("expected close of verified mission to fail, got %v", err)
	}
}

func TestRecurringVerificationSpawnsSuccessor(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t, engine.MissionCreateOptions{
		Title:      "Trash night",
		Category:   "cleaning",
		AssignedTo: env.Kid.ID,
		DueDate:    "2024-01-01T18:00:00Z",
		Recurring:  true,
		Pattern:    domain.RecurWeeklyMonday,
	})
	_, _ = env.Engine.AcceptMission(env.Ctx, m.ID, env.Kid.ID)
	_, _ = env.Engine.SubmitForVerification(env.Ctx, m.ID, env.Kid.ID)

	// verify two days late; the cadence must stay anchored to the due date
	env.setClock(t, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC))
	verified, successor, err := env.Engine.VerifyMission(env.Ctx, m.ID, env.Commander.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Status != domain.MissionVerified {
		t.Fatalf("status=%s", verified.Status)
	}
	if successor == nil {
		t.Fatalf("expected a successor mission")
	}
	if successor.Status != domain.MissionPending {
		t.Fatalf("successor status=%s", successor.Status)
	}
	if successor.DueDate == nil || *successor.DueDate != "2024-01-08T18:00:00Z" {
		t.Fatalf("successor due=%v, want 2024-01-08T18:00:00Z", successor.DueDate)
	}
	if successor.AssignedTo == nil || *successor.AssignedTo != env.Kid.ID {
		t.Fatalf("successor must inherit the assignment")
	}
	// exactly one successor row exists
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM missions WHERE title='Trash night' AND status='pending'`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one pending successor, got %d", count)
	}
}

func TestCreateMissionValidation(t *testing.T) {
	env := newTestEnv(t)
	var invalid engine.ValidationError
	_, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		FamilyID: env.Family.ID, Title: "Bad", Category: "cleaning", Difficulty: "easy",
		Recurring: true, ActorID: env.Commander.ID,
	})
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError for recurring without pattern, got %v", err)
	}
	_, err = env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		FamilyID: env.Family.ID, Title: "Bad", Category: "cleaning", Difficulty: "easy",
		Recurring: true, Pattern: domain.RecurDaily, ActorID: env.Commander.ID,
	})
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError for recurring without due date, got %v", err)
	}
	_, err = env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		FamilyID: env.Family.ID, Title: "Bad", Category: "moonwalk", Difficulty: "easy", ActorID: env.Commander.ID,
	})
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError for unknown category, got %v", err)
	}
	_, err = env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		FamilyID: env.Family.ID, Title: "Bad", Category: "cleaning", Difficulty: "legendary", ActorID: env.Commander.ID,
	})
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError for unknown difficulty, got %v", err)
	}
	var unauthorized engine.UnauthorizedError
	_, err = env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		FamilyID: env.Family.ID, Title: "Nope", Category: "cleaning", Difficulty: "easy", ActorID: env.Kid.ID,
	})
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError for agent-created mission, got %v", err)
	}
}

func TestRankPromotionOnVerify(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		m := env.createMission(t, engine.MissionCreateOptions{Title: "Deep clean", Category: "cleaning", Difficulty: domain.DifficultyHard})
		_, _ = env.Engine.AcceptMission(env.Ctx, m.ID, env.Kid.ID)
		_, _ = env.Engine.SubmitForVerification(env.Ctx, m.ID, env.Kid.ID)
		if _, _, err := env.Engine.VerifyMission(env.Ctx, m.ID, env.Commander.ID); err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
	}
	kid, _ := env.Engine.Repo.GetAgent(env.Ctx, env.Kid.ID)
	if kid.Points != 100 {
		t.Fatalf("expected 100 points, got %d", kid.Points)
	}
	if kid.Rank != "JUNIOR AGENT" {
		t.Fatalf("expected promotion to JUNIOR AGENT, got %s", kid.Rank)
	}
	tier, err := env.Engine.CurrentRank(env.Ctx, env.Kid.ID)
	if err != nil || tier.Name != "JUNIOR AGENT" {
		t.Fatalf("current rank: %v %s", err, tier.Name)
	}
}

func TestVaultRedeem(t *testing.T) {
	env := newTestEnv(t)
	card, err := env.Engine.AddVaultCard(env.Ctx, engine.VaultCardOptions{
		FamilyID: env.Family.ID, BrandName: "Arcade", Denomination: 10,
		GiftCode: "XYZZY-1", PointsCost: 50, ActorID: env.Commander.ID,
	})
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	env.seedPoints(t, env.Kid.ID, 40)

	var insufficient engine.InsufficientPointsError
	_, err = env.Engine.RedeemVaultCard(env.Ctx, card.ID, env.Kid.ID)
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientPointsError, got %v", err)
	}
	// nothing moved
	kid, _ := env.Engine.Repo.GetAgent(env.Ctx, env.Kid.ID)
	if kid.Points != 40 {
		t.Fatalf("balance mutated on failed redeem: %d", kid.Points)
	}
	got, _ := env.Engine.Repo.GetVaultCard(env.Ctx, card.ID)
	if got.Status != domain.VaultAvailable {
		t.Fatalf("card status mutated on failed redeem: %s", got.Status)
	}

	env.seedPoints(t, env.Kid.ID, 60)
	redeemed, err := env.Engine.RedeemVaultCard(env.Ctx, card.ID, env.Kid.ID)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if redeemed.GiftCode != "XYZZY-1" {
		t.Fatalf("expected code disclosed on redeem")
	}
	if redeemed.Status != domain.VaultRedeemed || redeemed.RedeemedBy == nil || *redeemed.RedeemedBy != env.Kid.ID {
		t.Fatalf("unexpected card state after redeem: %+v", redeemed)
	}
	kid, _ = env.Engine.Repo.GetAgent(env.Ctx, env.Kid.ID)
	if kid.Points != 10 {
		t.Fatalf("expected balance 10 after redeem, got %d", kid.Points)
	}
	// a card can be consumed at most once
	env.seedPoints(t, env.Kid.ID, 500)
	if _, err := env.Engine.RedeemVaultCard(env.Ctx, card.ID, env.Kid.ID); !errors.Is(err, engine.ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}
}

func TestFamilyRewardTwoPhase(t *testing.T) {
	env := newTestEnv(t)
	reward, err := env.Engine.CreateFamilyReward(env.Ctx, engine.FamilyRewardOptions{
		FamilyID: env.Family.ID, Title: "Movie night", PointsCost: 100, ActorID: env.Commander.ID,
	})
	if err != nil {
		t.Fatalf("create reward: %v", err)
	}
	env.seedPoints(t, env.Kid.ID, 120)

	req, err := env.Engine.RequestRedemption(env.Ctx, reward.ID, env.Kid.ID)
	if err != nil || req.State != domain.RequestPending {
		t.Fatalf("request: %v state=%s", err, req.State)
	}
	// no ledger effect at request time
	kid, _ := env.Engine.Repo.GetAgent(env.Ctx, env.Kid.ID)
	if kid.Points != 120 {
		t.Fatalf("request must not move points, got %d", kid.Points)
	}

	// balance drops before the approver acts
	env.seedPoints(t, env.Kid.ID, 80)
	var insufficient engine.InsufficientPointsError
	if _, err := env.Engine.ApproveRedemption(env.Ctx, req.ID, env.Commander.ID); !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientPointsError, got %v", err)
	}
	got, _ := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if got.State != domain.RequestPending {
		t.Fatalf("request must stay pending after failed approval, got %s", got.State)
	}

	// retry once the balance recovers
	env.seedPoints(t, env.Kid.ID, 120)
	approved, err := env.Engine.ApproveRedemption(env.Ctx, req.ID, env.Commander.ID)
	if err != nil || approved.State != domain.RequestApproved {
		t.Fatalf("approve: %v state=%s", err, approved.State)
	}
	kid, _ = env.Engine.Repo.GetAgent(env.Ctx, env.Kid.ID)
	if kid.Points != 20 {
		t.Fatalf("expected balance 20 after approval, got %d", kid.Points)
	}
	var transition engine.InvalidTransitionError
	if _, err := env.Engine.ApproveRedemption(env.Ctx, req.ID, env.Commander.ID); !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError on double approve, got %v", err)
	}
}

func TestDenyIsTerminalWithNoLedgerEffect(t *testing.T) {
	env := newTestEnv(t)
	reward, err := env.Engine.CreateFamilyReward(env.Ctx, engine.FamilyRewardOptions{
		FamilyID: env.Family.ID, Title: "Ice cream", PointsCost: 30, ActorID: env.Commander.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.seedPoints(t, env.Kid.ID, 50)
	req, err := env.Engine.RequestRedemption(env.Ctx, reward.ID, env.Kid.ID)
	if err != nil {
		t.Fatal(err)
	}
	denied, err := env.Engine.DenyRedemption(env.Ctx, req.ID, env.Commander.ID)
	if err != nil || denied.State != domain.RequestDenied {
		t.Fatalf("deny: %v state=%s", err, denied.State)
	}
	kid, _ := env.Engine.Repo.GetAgent(env.Ctx, env.Kid.ID)
	if kid.Points != 50 {
		t.Fatalf("deny must not move points, got %d", kid.Points)
	}
	var transition engine.InvalidTransitionError
	if _, err := env.Engine.ApproveRedemption(env.Ctx, req.ID, env.Commander.ID); !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError approving a denied request, got %v", err)
	}
}

func TestRetiredRewardCannotBeRequested(t *testing.T) {
	env := newTestEnv(t)
	reward, err := env.Engine.CreateFamilyReward(env.Ctx, engine.FamilyRewardOptions{
		FamilyID: env.Family.ID, Title: "Pizza", PointsCost: 60, ActorID: env.Commander.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetFamilyRewardActive(env.Ctx, reward.ID, false, env.Commander.ID); err != nil {
		t.Fatalf("retire: %v", err)
	}
	var invalid engine.ValidationError
	if _, err := env.Engine.RequestRedemption(env.Ctx, reward.ID, env.Kid.ID); !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError for retired reward, got %v", err)
	}
}

func TestStreakFromVerifiedMissions(t *testing.T) {
	env := newTestEnv(t)
	days := []time.Time{
		time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 19, 0, 0, 0, time.UTC),
	}
	for _, day := range days {
		env.setClock(t, day)
		m := env.createMission(t, engine.MissionCreateOptions{Title: "Daily dishes", Category: "dishes"})
		_, _ = env.Engine.AcceptMission(env.Ctx, m.ID, env.Kid.ID)
		_, _ = env.Engine.SubmitForVerification(env.Ctx, m.ID, env.Kid.ID)
		if _, _, err := env.Engine.VerifyMission(env.Ctx, m.ID, env.Commander.ID); err != nil {
			t.Fatalf("verify: %v", err)
		}
	}
	env.setClock(t, time.Date(2024, 1, 3, 22, 0, 0, 0, time.UTC))
	got, err := env.Engine.CalculateStreak(env.Ctx, env.Kid.ID)
	if err != nil || got != 3 {
		t.Fatalf("streak=%d err=%v, want 3", got, err)
	}
	// stale streak collapses to zero
	env.setClock(t, time.Date(2024, 1, 6, 8, 0, 0, 0, time.UTC))
	got, err = env.Engine.CalculateStreak(env.Ctx, env.Kid.ID)
	if err != nil || got != 0 {
		t.Fatalf("streak=%d err=%v, want 0", got, err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t, engine.MissionCreateOptions{Title: "Evented", Category: "other"})
	_, _ = env.Engine.AcceptMission(env.Ctx, m.ID, env.Kid.ID)
	_, _ = env.Engine.SubmitForVerification(env.Ctx, m.ID, env.Kid.ID)
	_, _, _ = env.Engine.VerifyMission(env.Ctx, m.ID, env.Commander.ID)
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, m.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 4 {
		t.Fatalf("expected events for each transition, got %d", count)
	}
}

func TestExpireVaultCard(t *testing.T) {
	env := newTestEnv(t)
	card, err := env.Engine.AddVaultCard(env.Ctx, engine.VaultCardOptions{
		FamilyID: env.Family.ID, BrandName: "Arcade", Denomination: 10,
		GiftCode: "PLUGH-2", PointsCost: 50, ActorID: env.Commander.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	var denied engine.UnauthorizedError
	if _, err := env.Engine.ExpireVaultCard(env.Ctx, card.ID, env.Kid.ID); !errors.As(err, &denied) {
		t.Fatalf("expected UnauthorizedError for non-commander, got %v", err)
	}
	got, err := env.Engine.ExpireVaultCard(env.Ctx, card.ID, env.Commander.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got.Status != domain.VaultExpired {
		t.Fatalf("status=%s, want expired", got.Status)
	}
	env.seedPoints(t, env.Kid.ID, 100)
	if _, err := env.Engine.RedeemVaultCard(env.Ctx, card.ID, env.Kid.ID); !errors.Is(err, engine.ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed for expired card, got %v", err)
	}
	var invalid engine.InvalidTransitionError
	if _, err := env.Engine.ExpireVaultCard(env.Ctx, card.ID, env.Commander.ID); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError on second expire, got %v", err)
	}
}

func TestConcurrentVaultRedeemSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.seedPoints(t, env.Kid.ID, 500)
	card, err := env.Engine.AddVaultCard(env.Ctx, engine.VaultCardOptions{
		FamilyID: env.Family.ID, BrandName: "Arcade", Denomination: 10,
		GiftCode: "XYZZY-9", PointsCost: 50, ActorID: env.Commander.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.RedeemVaultCard(env.Ctx, card.ID, env.Kid.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, engine.ErrAlreadyRedeemed) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins=%d, want exactly one", wins)
	}
	kid, err := env.Engine.Repo.GetAgent(env.Ctx, env.Kid.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kid.Points != 450 {
		t.Fatalf("points=%d, want 450 after one 50-point spend", kid.Points)
	}
	got, err := env.Engine.Repo.GetVaultCard(env.Ctx, card.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.VaultRedeemed || got.RedeemedBy == nil || *got.RedeemedBy != env.Kid.ID {
		t.Fatalf("card status=%s redeemed_by=%v, want redeemed by %s", got.Status, got.RedeemedBy, env.Kid.ID)
	}
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	rival, err := env.Engine.EnlistAgent(env.Ctx, env.Family.ID, "Robin", domain.RoleAgent, env.Commander.ID)
	if err != nil {
		t.Fatalf("enlist rival: %v", err)
	}
	m := env.createMission(t, engine.MissionCreateOptions{Title: "First come first served", Category: "other"})
	claimants := []string{env.Kid.ID, rival.ID, env.Kid.ID, rival.ID}
	type claim struct {
		agentID string
		err     error
	}
	claims := make(chan claim, len(claimants))
	var wg sync.WaitGroup
	for _, id := range claimants {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.AcceptMission(env.Ctx, m.ID, id)
			claims <- claim{agentID: id, err: err}
		}(id)
	}
	wg.Wait()
	close(claims)
	wins := 0
	winner := ""
	for c := range claims {
		if c.err == nil {
			wins++
			winner = c.agentID
			continue
		}
		var invalid engine.InvalidTransitionError
		if !errors.As(c.err, &invalid) {
			t.Fatalf("unexpected loser error: %v", c.err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins=%d, want exactly one", wins)
	}
	got, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.MissionInProgress || got.AssignedTo == nil || *got.AssignedTo != winner {
		t.Fatalf("mission status=%s assigned_to=%v, want in_progress for %s", got.Status, got.AssignedTo, winner)
	}
}

func TestConcurrentApprovalsNeverOverspend(t *testing.T) {
	env := newTestEnv(t)
	env.seedPoints(t, env.Kid.ID, 100)
	reward, err := env.Engine.CreateFamilyReward(env.Ctx, engine.FamilyRewardOptions{
		FamilyID: env.Family.ID, Title: "Movie night", PointsCost: 60, ActorID: env.Commander.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	var requestIDs []string
	for i := 0; i < 4; i++ {
		req, err := env.Engine.RequestRedemption(env.Ctx, reward.ID, env.Kid.ID)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		requestIDs = append(requestIDs, req.ID)
	}
	errs := make(chan error, len(requestIDs))
	var wg sync.WaitGroup
	for _, id := range requestIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.ApproveRedemption(env.Ctx, id, env.Commander.ID)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	approved := 0
	for err := range errs {
		if err == nil {
			approved++
			continue
		}
		var poor engine.InsufficientPointsError
		if !errors.As(err, &poor) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if approved != 1 {
		t.Fatalf("approved=%d, want exactly one against a 100-point balance", approved)
	}
	kid, err := env.Engine.Repo.GetAgent(env.Ctx, env.Kid.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kid.Points != 40 {
		t.Fatalf("points=%d, want 40 after one 60-point approval", kid.Points)
	}
	pending, err := env.Engine.Repo.ListRequests(env.Ctx, env.Family.ID, string(domain.RequestPending))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending=%d, want the three losing requests left pending", len(pending))
	}
}
