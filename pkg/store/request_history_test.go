package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestCollapseIPTo64(t *testing.T) {
	// IPv4 passes through untouched.
	require.Equal(t, "203.0.113.9", collapseIPTo64("203.0.113.9"))

	// IPv6 addresses sharing a /64 collapse to one bucket.
	require.Equal(t, "2001:db8::/64", collapseIPTo64("2001:db8::1"))
	require.Equal(t, "2001:db8::/64", collapseIPTo64("2001:db8::ffff:1"))

	// A different /64 lands in a different bucket.
	require.Equal(t, "2001:db8:1::/64", collapseIPTo64("2001:db8:1::1"))

	// Unparseable strings pass through so ranking never panics on dirty rows.
	require.Equal(t, "not-an-ip", collapseIPTo64("not-an-ip"))
}

func TestClientIPRankingTopN_CollapsesSharedPrefixes(t *testing.T) {
	st, mock := newTestStore(t)
	mock.ExpectQuery("SELECT client_ip, count").
		WillReturnRows(sqlmock.NewRows([]string{"client_ip", "count"}).
			AddRow("2001:db8::1", int64(3)).
			AddRow("2001:db8::ffff:1", int64(2)).
			AddRow("2001:db8:1::1", int64(1)))

	since := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	out, err := st.ClientIPRankingTopN(context.Background(), since, since.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, int64(5), out[0].Count)
	require.Equal(t, "2001:db8::/64", out[0].Bucket)
	require.Equal(t, int64(1), out[1].Count)
	require.Equal(t, "2001:db8:1::/64", out[1].Bucket)
}

func TestBuildHistoryWhere_ComposesClausesInOrder(t *testing.T) {
	f := RequestHistoryFilter{ModelSubstring: "llama", EndpointID: "ep-1", ClientIP: "203.0.113.9"}
	where, args := buildHistoryWhere(f)
	require.Equal(t, " WHERE model ILIKE $1 AND endpoint_id = $2 AND client_ip = $3", where)
	require.Equal(t, []any{"%llama%", "ep-1", "203.0.113.9"}, args)

	where, args = buildHistoryWhere(RequestHistoryFilter{})
	require.Empty(t, where)
	require.Empty(t, args)
}

func TestPruneRequestHistory_DisabledRetentionIsNoOp(t *testing.T) {
	st, _ := newTestStore(t)
	n, err := st.PruneRequestHistory(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, n)
}
