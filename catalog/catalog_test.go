package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluiceio/sluice/cfg"
)

func TestFromConfig(t *testing.T) {
	c, err := FromConfig("inventory", []cfg.StreamConfiguration{
		{Table: "orders", Mode: cfg.SyncModeIncremental, PrimaryKey: []string{"id"}},
		{Table: "customers", Mode: cfg.SyncModeFullRefresh},
	})
	require.NoError(t, err)

	assert.Equal(t, "inventory", c.Database)
	assert.Len(t, c.Streams, 2)

	s, ok := c.Stream("orders")
	require.True(t, ok)
	assert.Equal(t, cfg.SyncModeIncremental, s.Mode)
	assert.Equal(t, []string{"id"}, s.PrimaryKey)
}

func TestFromConfig_DefaultsToIncremental(t *testing.T) {
	c, err := FromConfig("inventory", []cfg.StreamConfiguration{
		{Table: "orders"},
	})
	require.NoError(t, err)

	s, ok := c.Stream("orders")
	require.True(t, ok)
	assert.Equal(t, cfg.SyncModeIncremental, s.Mode)
}

func TestFromConfig_Errors(t *testing.T) {
	_, err := FromConfig("", nil)
	assert.Error(t, err, "empty database should be rejected")

	_, err = FromConfig("inventory", []cfg.StreamConfiguration{{Table: ""}})
	assert.Error(t, err, "empty table name should be rejected")

	_, err = FromConfig("inventory", []cfg.StreamConfiguration{
		{Table: "orders"},
		{Table: "orders"},
	})
	assert.Error(t, err, "duplicate streams should be rejected")

	_, err = FromConfig("inventory", []cfg.StreamConfiguration{
		{Table: "orders", Mode: "streaming"},
	})
	assert.Error(t, err, "invalid sync mode should be rejected")

	_, err = FromConfig("inventory", []cfg.StreamConfiguration{
		{Table: "orders["},
	})
	assert.Error(t, err, "bad glob pattern should be rejected")
}

func TestIncludeList_IncrementalOnly(t *testing.T) {
	c, err := FromConfig("inventory", []cfg.StreamConfiguration{
		{Table: "orders", Mode: cfg.SyncModeIncremental},
		{Table: "customers", Mode: cfg.SyncModeFullRefresh},
		{Table: "products", Mode: cfg.SyncModeIncremental},
	})
	require.NoError(t, err)

	assert.Equal(t, "inventory.orders,inventory.products", c.IncludeList())
}

func TestIncludeList_EscapesCommas(t *testing.T) {
	c, err := FromConfig("inventory", []cfg.StreamConfiguration{
		{Table: "weird,name", Mode: cfg.SyncModeIncremental},
		{Table: "orders", Mode: cfg.SyncModeIncremental},
	})
	require.NoError(t, err)

	assert.Equal(t, `inventory.weird\,name,inventory.orders`, c.IncludeList())
}

func TestIncludeList_Empty(t *testing.T) {
	c, err := FromConfig("inventory", []cfg.StreamConfiguration{
		{Table: "customers", Mode: cfg.SyncModeFullRefresh},
	})
	require.NoError(t, err)

	assert.Equal(t, "", c.IncludeList())
}

func TestParseIncludeList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"single", "inventory.orders", []string{"inventory.orders"}},
		{"multiple", "inventory.orders,inventory.products", []string{"inventory.orders", "inventory.products"}},
		{"escaped_comma", `inventory.weird\,name,inventory.orders`, []string{"inventory.weird,name", "inventory.orders"}},
		{"only_escaped", `a\,b`, []string{"a,b"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseIncludeList(tc.in))
		})
	}
}

func TestParseIncludeList_RoundTrip(t *testing.T) {
	c, err := FromConfig("inventory", []cfg.StreamConfiguration{
		{Table: "weird,name", Mode: cfg.SyncModeIncremental},
		{Table: "orders", Mode: cfg.SyncModeIncremental},
	})
	require.NoError(t, err)

	parsed := ParseIncludeList(c.IncludeList())
	assert.Equal(t, []string{"inventory.weird,name", "inventory.orders"}, parsed)
}

func TestTableMatcher(t *testing.T) {
	m, err := NewTableMatcher([]string{"inventory.orders", "inventory.audit_*"})
	require.NoError(t, err)

	assert.True(t, m.Matches("inventory.orders"))
	assert.True(t, m.Matches("inventory.audit_2024"))
	assert.False(t, m.Matches("inventory.customers"))
	assert.False(t, m.Matches("other.orders"))
}

func TestTableMatcher_EmptySelectsNothing(t *testing.T) {
	m, err := NewTableMatcher(nil)
	require.NoError(t, err)

	assert.False(t, m.Matches("inventory.orders"))
}

func TestTableMatcher_BadPattern(t *testing.T) {
	_, err := NewTableMatcher([]string{"inventory.["})
	assert.Error(t, err)
}
