package spsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAsTimeLegacyDateEnvelope(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"/Date(1700000000000)/", time.UnixMilli(1700000000000).UTC()},
		{"/Date(1700000000000+0200)/", time.UnixMilli(1700000000000).UTC()},
		{"/Date(0)/", time.UnixMilli(0).UTC()},
	}
	for _, tc := range cases {
		got, ok := AsTime(tc.in)
		require.True(t, ok, "parse %s", tc.in)
		require.True(t, got.Equal(tc.want), "%s: got %v want %v", tc.in, got, tc.want)
	}
}

func TestAsTimeISO(t *testing.T) {
	got, ok := AsTime("2024-03-01T10:30:00Z")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), got)

	// Offset forms normalize to UTC.
	got, ok = AsTime("2024-03-01T12:30:00+02:00")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), got)

	_, ok = AsTime("not a date")
	require.False(t, ok)
	_, ok = AsTime("")
	require.False(t, ok)
}

func TestAsBool(t *testing.T) {
	for _, v := range []any{true, "true", "TRUE", "1", "yes", "Yes", 1, float64(2)} {
		require.True(t, AsBool(v), "%v", v)
	}
	for _, v := range []any{false, "false", "0", "no", "", nil, 0} {
		require.False(t, AsBool(v), "%v", v)
	}
}

func TestAsInt64(t *testing.T) {
	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{42, 42, true},
		{float64(42), 42, true},
		{"42", 42, true},
		{"42.9", 42, true},
		{" 7 ", 7, true},
		{"", 0, false},
		{"abc", 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := AsInt64(tc.in)
		require.Equal(t, tc.ok, ok, "%v", tc.in)
		require.Equal(t, tc.want, got, "%v", tc.in)
	}
}

func TestAsString(t *testing.T) {
	require.Equal(t, "", AsString(nil))
	require.Equal(t, "42", AsString(float64(42)))
	require.Equal(t, "42.5", AsString(42.5))
	require.Equal(t, "true", AsString(true))
	require.Equal(t, "x", AsString("x"))
}

func TestAsStringSlice(t *testing.T) {
	require.Equal(t, []string{"A", "B"}, AsStringSlice(`["A","B"]`))
	require.Equal(t, []string{"A", "B"}, AsStringSlice("A, B"))
	require.Equal(t, []string{"A"}, AsStringSlice([]any{"A"}))
	require.Nil(t, AsStringSlice(""))
	require.Nil(t, AsStringSlice(nil))
}

func TestParseEnums(t *testing.T) {
	require.Equal(t, SyncOnDemand, ParseSyncPolicy("ondemand"))
	require.Equal(t, SyncNever, ParseSyncPolicy(float64(2)))
	require.Equal(t, SyncOnOpen, ParseSyncPolicy("bogus"))

	require.Equal(t, ClientWins, ParseConflictPolicy("ClientWins"))
	require.Equal(t, Manual, ParseConflictPolicy(2))
	require.Equal(t, ServerWins, ParseConflictPolicy(nil), "missing column defaults to ServerWins")
	require.Equal(t, ServerWins, ParseConflictPolicy(99))
}

func TestODataQuoting(t *testing.T) {
	require.Equal(t, "'plain'", ODataQuote("plain"))
	require.Equal(t, "'O''Brien'", ODataQuote("O'Brien"))
	require.Equal(t, "AppId eq 'a''b'", FilterEq("AppId", "a'b"))

	ts := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	require.Equal(t, "Modified ge datetime'2024-03-01T10:30:00Z'", FilterGeDate("Modified", ts))
}

func TestIsReservedColumn(t *testing.T) {
	for _, col := range []string{"AppPK", "IsDeleted", "DeletedAtUtc", "__sp_id", "__sp_modified_utc", "__sp_etag", "PkInternalName"} {
		require.True(t, IsReservedColumn(col, ""), col)
	}
	require.True(t, IsReservedColumn("ClientKey", "ClientKey"))
	require.False(t, IsReservedColumn("Title", "ClientKey"))
}
