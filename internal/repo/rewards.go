package repo

import (
	"context"
	"database/sql"

	"homefront/internal/domain"
)

// --- vault cards ---

const vaultCols = `id,family_id,brand_name,denomination,gift_code,points_cost,added_by,status,redeemed_by,redeemed_at,created_at`

func (r Repo) InsertVaultCardTx(ctx context.Context, tx *sql.Tx, c domain.VaultCard) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO vault_cards(`+vaultCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.FamilyID, c.BrandName, c.Denomination, c.GiftCode, c.PointsCost, c.AddedBy,
		string(c.Status), nullableStringPtr(c.RedeemedBy), nullableStringPtr(c.RedeemedAt), c.CreatedAt)
	return err
}

func scanVaultCard(scan func(dest ...any) error) (domain.VaultCard, error) {
	var c domain.VaultCard
	var redeemedBy, redeemedAt sql.NullString
	err := scan(&c.ID, &c.FamilyID, &c.BrandName, &c.Denomination, &c.GiftCode, &c.PointsCost,
		&c.AddedBy, &c.Status, &redeemedBy, &redeemedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if redeemedBy.Valid {
		c.RedeemedBy = &redeemedBy.String
	}
	if redeemedAt.Valid {
		c.RedeemedAt = &redeemedAt.String
	}
	return c, nil
}

func (r Repo) GetVaultCard(ctx context.Context, id string) (domain.VaultCard, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+vaultCols+` FROM vault_cards WHERE id=?`, id)
	return scanVaultCard(row.Scan)
}

func (r Repo) GetVaultCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.VaultCard, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+vaultCols+` FROM vault_cards WHERE id=?`, id)
	return scanVaultCard(row.Scan)
}

func (r Repo) ListVaultCards(ctx context.Context, familyID, status string) ([]domain.VaultCard, error) {
	query := `SELECT ` + vaultCols + ` FROM vault_cards WHERE family_id=?`
	args := []any{familyID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VaultCard
	for rows.Next() {
		c, err := scanVaultCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// TryRedeemVaultCardTx marks a card redeemed only while it is still
// available. The status guard makes concurrent redeems first-wins: the
// loser sees ok=false.
func (r Repo) TryRedeemVaultCardTx(ctx context.Context, tx *sql.Tx, cardID, agentID, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE vault_cards SET status='redeemed', redeemed_by=?, redeemed_at=?
WHERE id=? AND status='available'`, agentID, at, cardID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) ExpireVaultCardTx(ctx context.Context, tx *sql.Tx, cardID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE vault_cards SET status='expired' WHERE id=? AND status='available'`, cardID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// --- family rewards ---

const rewardCols = `id,family_id,title,description,points_cost,created_by,active,created_at`

func (r Repo) InsertFamilyRewardTx(ctx context.Context, tx *sql.Tx, fr domain.FamilyReward) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO family_rewards(`+rewardCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		fr.ID, fr.FamilyID, fr.Title, nullable(fr.Description), fr.PointsCost, fr.CreatedBy,
		boolToInt(fr.Active), fr.CreatedAt)
	return err
}

func scanFamilyReward(scan func(dest ...any) error) (domain.FamilyReward, error) {
	var fr domain.FamilyReward
	var description sql.NullString
	var active int
	err := scan(&fr.ID, &fr.FamilyID, &fr.Title, &description, &fr.PointsCost, &fr.CreatedBy, &active, &fr.CreatedAt)
	if err == sql.ErrNoRows {
		return fr, ErrNotFound
	}
	if err != nil {
		return fr, err
	}
	if description.Valid {
		fr.Description = description.String
	}
	fr.Active = active != 0
	return fr, nil
}

func (r Repo) GetFamilyReward(ctx context.Context, id string) (domain.FamilyReward, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+rewardCols+` FROM family_rewards WHERE id=?`, id)
	return scanFamilyReward(row.Scan)
}

func (r Repo) GetFamilyRewardTx(ctx context.Context, tx *sql.Tx, id string) (domain.FamilyReward, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+rewardCols+` FROM family_rewards WHERE id=?`, id)
	return scanFamilyReward(row.Scan)
}

func (r Repo) ListFamilyRewards(ctx context.Context, familyID string, activeOnly bool) ([]domain.FamilyReward, error) {
	query := `SELECT ` + rewardCols + ` FROM family_rewards WHERE family_id=?`
	if activeOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FamilyReward
	for rows.Next() {
		fr, err := scanFamilyReward(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, fr)
	}
	return res, rows.Err()
}

func (r Repo) SetFamilyRewardActiveTx(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE family_rewards SET active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- redemption requests ---

const requestCols = `id,family_id,reward_id,agent_id,state,decided_by,decided_at,created_at`

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.RedemptionRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO redemption_requests(`+requestCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		req.ID, req.FamilyID, req.RewardID, req.AgentID, string(req.State),
		nullableStringPtr(req.DecidedBy), nullableStringPtr(req.DecidedAt), req.CreatedAt)
	return err
}

func scanRequest(scan func(dest ...any) error) (domain.RedemptionRequest, error) {
	var req domain.RedemptionRequest
	var decidedBy, decidedAt sql.NullString
	err := scan(&req.ID, &req.FamilyID, &req.RewardID, &req.AgentID, &req.State, &decidedBy, &decidedAt, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if decidedBy.Valid {
		req.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		req.DecidedAt = &decidedAt.String
	}
	return req, nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.RedemptionRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM redemption_requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.RedemptionRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM redemption_requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) ListRequests(ctx context.Context, familyID, state string) ([]domain.RedemptionRequest, error) {
	query := `SELECT ` + requestCols + ` FROM redemption_requests WHERE family_id=?`
	args := []any{familyID}
	if state != "" {
		query += ` AND state=?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RedemptionRequest
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// TryDecideRequestTx moves a pending request to a terminal state. The
// state guard makes concurrent approve/deny first-wins.
func (r Repo) TryDecideRequestTx(ctx context.Context, tx *sql.Tx, id string, state domain.RequestState, decidedBy, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE redemption_requests SET state=?, decided_by=?, decided_at=?
WHERE id=? AND state='pending'`, string(state), decidedBy, at, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
