package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/perjugatar/perjubot/bot"
)

// RedemptionLog appends channel point redemptions to the redemptions table.
type RedemptionLog struct {
	DB *sql.DB
}

// RecordRedemption stores r once; redeliveries of the same id are ignored.
func (l *RedemptionLog) RecordRedemption(ctx context.Context, r bot.Redemption) error {
	at := r.RedeemedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := l.DB.ExecContext(ctx, `INSERT INTO redemptions(id, broadcaster, user_login, user_id, reward_id, reward_title, reward_cost, user_input, redeemed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Broadcaster, r.User, r.UserID, r.RewardID, r.RewardTitle, r.RewardCost, r.Input, at)
	return err
}

// Recent returns up to limit redemptions, newest first.
func (l *RedemptionLog) Recent(ctx context.Context, limit int) ([]bot.Redemption, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id, broadcaster, user_login, user_id, reward_id, reward_title, reward_cost, user_input, redeemed_at
		FROM redemptions ORDER BY redeemed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []bot.Redemption
	for rows.Next() {
		var r bot.Redemption
		if err := rows.Scan(&r.ID, &r.Broadcaster, &r.User, &r.UserID, &r.RewardID, &r.RewardTitle, &r.RewardCost, &r.Input, &r.RedeemedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
