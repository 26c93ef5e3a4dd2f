package store

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/models"
)

// AppendRequestHistory inserts one completed-request record.
func (s *Store) AppendRequestHistory(ctx context.Context, r *models.RequestHistoryRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_history (
			id, timestamp, kind, model, endpoint_id, endpoint_name, client_ip,
			redacted_request_body, response_body, duration_ms, status, error_message,
			input_tokens, output_tokens, total_tokens, api_key_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.Timestamp, string(r.Kind), r.Model, r.EndpointID, r.EndpointName, r.ClientIP,
		r.RedactedRequestBody, r.ResponseBody, r.DurationMs, string(r.Status), r.ErrorMessage,
		r.Tokens.Input, r.Tokens.Output, r.Tokens.Total, r.APIKeyID,
	)
	if err != nil {
		return fmt.Errorf("%w: insert request_history: %v", gwerrors.ErrStorage, err)
	}
	return nil
}

// AppendRequestHistoryBatch inserts many records inside a single
// transaction, used by the history batch writer.
func (s *Store) AppendRequestHistoryBatch(ctx context.Context, records []*models.RequestHistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO request_history (
				id, timestamp, kind, model, endpoint_id, endpoint_name, client_ip,
				redacted_request_body, response_body, duration_ms, status, error_message,
				input_tokens, output_tokens, total_tokens, api_key_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`)
		if err != nil {
			return fmt.Errorf("%w: prepare batch insert: %v", gwerrors.ErrStorage, err)
		}
		defer stmt.Close()

		for _, r := range records {
			if r.Timestamp.IsZero() {
				r.Timestamp = time.Now()
			}
			if _, err := stmt.ExecContext(ctx,
				r.ID, r.Timestamp, string(r.Kind), r.Model, r.EndpointID, r.EndpointName, r.ClientIP,
				r.RedactedRequestBody, r.ResponseBody, r.DurationMs, string(r.Status), r.ErrorMessage,
				r.Tokens.Input, r.Tokens.Output, r.Tokens.Total, r.APIKeyID,
			); err != nil {
				return fmt.Errorf("%w: batch insert request_history: %v", gwerrors.ErrStorage, err)
			}
		}
		return nil
	})
}

// RequestHistoryFilter narrows a FilterRequestHistory call.
type RequestHistoryFilter struct {
	ModelSubstring string
	EndpointID     string
	Status         models.RequestStatus
	ClientIP       string
	Since          time.Time
	Until          time.Time
	Page           int // 1-based
	PerPage        int
}

// FilterRequestHistory returns a page of matching records and the total
// count across all pages; the total is independent of Page/PerPage.
func (s *Store) FilterRequestHistory(ctx context.Context, f RequestHistoryFilter) ([]*models.RequestHistoryRecord, int, error) {
	where, args := buildHistoryWhere(f)

	var total int
	countQuery := `SELECT count(*) FROM request_history` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count request_history: %v", gwerrors.ErrStorage, err)
	}

	page, perPage := f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	args = append(args, perPage, (page-1)*perPage)
	query := fmt.Sprintf(`
		SELECT id, timestamp, kind, model, endpoint_id, endpoint_name, client_ip,
			redacted_request_body, response_body, duration_ms, status, error_message,
			input_tokens, output_tokens, total_tokens, api_key_id
		FROM request_history%s ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: filter request_history: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()

	var out []*models.RequestHistoryRecord
	for rows.Next() {
		var r models.RequestHistoryRecord
		var kind, status string
		if err := rows.Scan(&r.ID, &r.Timestamp, &kind, &r.Model, &r.EndpointID, &r.EndpointName, &r.ClientIP,
			&r.RedactedRequestBody, &r.ResponseBody, &r.DurationMs, &status, &r.ErrorMessage,
			&r.Tokens.Input, &r.Tokens.Output, &r.Tokens.Total, &r.APIKeyID); err != nil {
			return nil, 0, fmt.Errorf("%w: scan request_history: %v", gwerrors.ErrStorage, err)
		}
		r.Kind = models.RequestKind(kind)
		r.Status = models.RequestStatus(status)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: iterate request_history: %v", gwerrors.ErrStorage, err)
	}
	return out, total, nil
}

func buildHistoryWhere(f RequestHistoryFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ModelSubstring != "" {
		add("model ILIKE $%d", "%"+f.ModelSubstring+"%")
	}
	if f.EndpointID != "" {
		add("endpoint_id = $%d", f.EndpointID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.ClientIP != "" {
		add("client_ip = $%d", f.ClientIP)
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("timestamp <= $%d", f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// PruneRequestHistory deletes records older than the retention window and
// returns the number removed. retentionDays<=0 disables pruning entirely
// (LLMLB_REQUEST_HISTORY_RETENTION_DAYS semantics).
func (s *Store) PruneRequestHistory(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_history WHERE timestamp < $1`,
		time.Now().AddDate(0, 0, -retentionDays))
	if err != nil {
		return 0, fmt.Errorf("%w: prune request_history: %v", gwerrors.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", gwerrors.ErrStorage, err)
	}
	return n, nil
}

// TokenTotals is the aggregate token usage for a window or grouping key.
type TokenTotals struct {
	Input  int64
	Output int64
	Total  int64
}

// TokenTotalsOverall sums tokens across all request_history rows in [since, until).
func (s *Store) TokenTotalsOverall(ctx context.Context, since, until time.Time) (TokenTotals, error) {
	var t TokenTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(total_tokens),0)
		FROM request_history WHERE timestamp >= $1 AND timestamp < $2`, since, until,
	).Scan(&t.Input, &t.Output, &t.Total)
	if err != nil {
		return TokenTotals{}, fmt.Errorf("%w: token totals: %v", gwerrors.ErrStorage, err)
	}
	return t, nil
}

// DailyTokenStat is one day's token totals.
type DailyTokenStat struct {
	Day    time.Time
	Tokens TokenTotals
}

// DailyTokenStats buckets token totals by calendar day over [since, until).
func (s *Store) DailyTokenStats(ctx context.Context, since, until time.Time) ([]DailyTokenStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', timestamp) AS day,
			COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(total_tokens),0)
		FROM request_history WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY day ORDER BY day`, since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: daily token stats: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	var out []DailyTokenStat
	for rows.Next() {
		var d DailyTokenStat
		if err := rows.Scan(&d.Day, &d.Tokens.Input, &d.Tokens.Output, &d.Tokens.Total); err != nil {
			return nil, fmt.Errorf("%w: scan daily token stat: %v", gwerrors.ErrStorage, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MonthlyTokenStat is one month's token totals.
type MonthlyTokenStat struct {
	Month  time.Time
	Tokens TokenTotals
}

// MonthlyTokenStats buckets token totals by calendar month over [since, until).
func (s *Store) MonthlyTokenStats(ctx context.Context, since, until time.Time) ([]MonthlyTokenStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('month', timestamp) AS month,
			COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(total_tokens),0)
		FROM request_history WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY month ORDER BY month`, since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: monthly token stats: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	var out []MonthlyTokenStat
	for rows.Next() {
		var m MonthlyTokenStat
		if err := rows.Scan(&m.Month, &m.Tokens.Input, &m.Tokens.Output, &m.Tokens.Total); err != nil {
			return nil, fmt.Errorf("%w: scan monthly token stat: %v", gwerrors.ErrStorage, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ModelTokenStat is one model's token totals over a window.
type ModelTokenStat struct {
	Model  string
	Tokens TokenTotals
}

// PerModelTokenStats buckets token totals by model over [since, until),
// largest total first.
func (s *Store) PerModelTokenStats(ctx context.Context, since, until time.Time) ([]ModelTokenStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model,
			COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(total_tokens),0)
		FROM request_history WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY model ORDER BY SUM(total_tokens) DESC`, since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: per-model token stats: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	var out []ModelTokenStat
	for rows.Next() {
		var m ModelTokenStat
		if err := rows.Scan(&m.Model, &m.Tokens.Input, &m.Tokens.Output, &m.Tokens.Total); err != nil {
			return nil, fmt.Errorf("%w: scan per-model token stat: %v", gwerrors.ErrStorage, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EndpointTokenStat is one endpoint's token totals over a window. Rows
// whose endpoint was since removed keep their id but carry a nil name.
type EndpointTokenStat struct {
	EndpointID   string
	EndpointName *string
	Tokens       TokenTotals
}

// PerEndpointTokenStats buckets token totals by endpoint over [since,
// until), largest total first. Records never routed to an endpoint (e.g.
// selection failures) are excluded.
func (s *Store) PerEndpointTokenStats(ctx context.Context, since, until time.Time) ([]EndpointTokenStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint_id, MAX(endpoint_name),
			COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(total_tokens),0)
		FROM request_history
		WHERE timestamp >= $1 AND timestamp < $2 AND endpoint_id IS NOT NULL
		GROUP BY endpoint_id ORDER BY SUM(total_tokens) DESC`, since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: per-endpoint token stats: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	var out []EndpointTokenStat
	for rows.Next() {
		var e EndpointTokenStat
		if err := rows.Scan(&e.EndpointID, &e.EndpointName, &e.Tokens.Input, &e.Tokens.Output, &e.Tokens.Total); err != nil {
			return nil, fmt.Errorf("%w: scan per-endpoint token stat: %v", gwerrors.ErrStorage, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetRequestHistoryRecord reads one record by id, including the redacted
// request body and response body omitted from list responses.
func (s *Store) GetRequestHistoryRecord(ctx context.Context, id string) (*models.RequestHistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, kind, model, endpoint_id, endpoint_name, client_ip,
			redacted_request_body, response_body, duration_ms, status, error_message,
			input_tokens, output_tokens, total_tokens, api_key_id
		FROM request_history WHERE id = $1`, id)

	var r models.RequestHistoryRecord
	var kind, status string
	if err := row.Scan(&r.ID, &r.Timestamp, &kind, &r.Model, &r.EndpointID, &r.EndpointName, &r.ClientIP,
		&r.RedactedRequestBody, &r.ResponseBody, &r.DurationMs, &status, &r.ErrorMessage,
		&r.Tokens.Input, &r.Tokens.Output, &r.Tokens.Total, &r.APIKeyID); err != nil {
		if isNotFound(err) {
			return nil, gwerrors.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get request_history record: %v", gwerrors.ErrStorage, err)
	}
	r.Kind = models.RequestKind(kind)
	r.Status = models.RequestStatus(status)
	return &r, nil
}

// ClientIPRanking is one row of the client-IP leaderboard; IPv6 addresses
// sharing a /64 are collapsed into one bucket keyed by their /64 prefix.
type ClientIPRanking struct {
	Bucket string // the raw IPv4, or the /64 prefix ("2001:db8::/64") for IPv6
	Count  int64
}

// ClientIPRankingTopN computes the client-IP leaderboard over [since, until),
// collapsing IPv6 addresses onto their /64 prefix at aggregation time (not
// on write); history rows keep the raw client IP.
func (s *Store) ClientIPRankingTopN(ctx context.Context, since, until time.Time, topN int) ([]ClientIPRanking, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_ip, count(*) FROM request_history
		WHERE timestamp >= $1 AND timestamp < $2 GROUP BY client_ip`, since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: client ip ranking: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()

	buckets := make(map[string]int64)
	for rows.Next() {
		var ip string
		var count int64
		if err := rows.Scan(&ip, &count); err != nil {
			return nil, fmt.Errorf("%w: scan client ip ranking: %v", gwerrors.ErrStorage, err)
		}
		buckets[collapseIPTo64(ip)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate client ip ranking: %v", gwerrors.ErrStorage, err)
	}

	out := make([]ClientIPRanking, 0, len(buckets))
	for bucket, count := range buckets {
		out = append(out, ClientIPRanking{Bucket: bucket, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Bucket < out[j].Bucket
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

// collapseIPTo64 returns the IP unchanged if it's IPv4, or "<prefix>::/64"
// for an IPv6 address (the top 64 bits, per the /64-collapse glossary entry).
func collapseIPTo64(raw string) string {
	ip := net.ParseIP(raw)
	if ip == nil {
		return raw
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	v6 := ip.To16()
	if v6 == nil {
		return raw
	}
	prefix := make(net.IP, net.IPv6len)
	copy(prefix, v6[:8])
	return prefix.String() + "/64"
}

// UniqueIPTimelinePoint is one hourly bucket's distinct client-IP count.
type UniqueIPTimelinePoint struct {
	Hour      time.Time
	UniqueIPs int64
}

// UniqueIPHourlyTimeline buckets distinct client IPs per hour over [since, until).
func (s *Store) UniqueIPHourlyTimeline(ctx context.Context, since, until time.Time) ([]UniqueIPTimelinePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('hour', timestamp) AS hour, count(DISTINCT client_ip)
		FROM request_history WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY hour ORDER BY hour`, since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: unique ip timeline: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	var out []UniqueIPTimelinePoint
	for rows.Next() {
		var p UniqueIPTimelinePoint
		if err := rows.Scan(&p.Hour, &p.UniqueIPs); err != nil {
			return nil, fmt.Errorf("%w: scan unique ip timeline: %v", gwerrors.ErrStorage, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ModelDistribution is one model's share of requests in a window.
type ModelDistribution struct {
	Model string
	Count int64
}

// ModelShareDistribution returns request counts per model over [since, until).
func (s *Store) ModelShareDistribution(ctx context.Context, since, until time.Time) ([]ModelDistribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, count(*) FROM request_history
		WHERE timestamp >= $1 AND timestamp < $2 GROUP BY model ORDER BY count(*) DESC`, since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: model distribution: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	var out []ModelDistribution
	for rows.Next() {
		var m ModelDistribution
		if err := rows.Scan(&m.Model, &m.Count); err != nil {
			return nil, fmt.Errorf("%w: scan model distribution: %v", gwerrors.ErrStorage, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
