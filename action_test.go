package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSPFActionTable_Defaults(t *testing.T) {
	table, err := BuildSPFActionTable(defaultSPFActionConfig())
	require.NoError(t, err)

	header := "Received-SPF: pass (matched) client-ip=1.2.3.4;"

	action, delegate := table.Resolve("pass", "matched", header)
	assert.False(t, delegate)
	assert.Equal(t, "PREPEND "+header, action)

	action, delegate = table.Resolve("fail", "mechanism -all matched", header)
	assert.False(t, delegate)
	assert.Equal(t, "550 5.7.1 SPF check failed: mechanism -all matched", action)

	for _, result := range []string{"softfail", "none", "neutral"} {
		_, delegate = table.Resolve(result, "", header)
		assert.True(t, delegate, result)
	}

	action, delegate = table.Resolve("temperror", "lookup timeout", header)
	assert.False(t, delegate)
	assert.Equal(t, "451 4.4.3 SPF record(s) temporarily unavailable: lookup timeout", action)

	action, _ = table.Resolve("permerror", "too many lookups", header)
	assert.Equal(t, "550 5.5.2 SPF record(s) are malformed: too many lookups", action)
}

func TestSPFActionTable_UnknownResult(t *testing.T) {
	table, err := BuildSPFActionTable(defaultSPFActionConfig())
	require.NoError(t, err)

	action, delegate := table.Resolve("something-new", "weird", "")
	assert.False(t, delegate)
	assert.Contains(t, action, "451 4.4.3")
}

func TestBuildSPFActionTable_SymbolicOverrides(t *testing.T) {
	table, err := BuildSPFActionTable(map[string]string{
		"passing":  "okay",
		"softfail": "defer_if_permit",
		"fail":     "reject",
	})
	require.NoError(t, err)

	action, _ := table.Resolve("pass", "", "hdr")
	assert.Equal(t, "OK", action)

	action, _ = table.Resolve("softfail", "soft", "")
	assert.Equal(t, "DEFER_IF_PERMIT soft", action)

	action, _ = table.Resolve("fail", "hard", "")
	assert.Equal(t, "REJECT hard", action)

	// Omitted temperror gets the default entry so lookups stay total.
	action, _ = table.Resolve("temperror", "dns", "")
	assert.Contains(t, action, "451 4.4.3")
}

func TestBuildSPFActionTable_LiteralDirectives(t *testing.T) {
	table, err := BuildSPFActionTable(map[string]string{
		"fail":         "554 5.7.1 go away: {reason}",
		"none_neutral": "DEFER_IF_PERMIT try later",
	})
	require.NoError(t, err)

	action, _ := table.Resolve("fail", "no match", "")
	assert.Equal(t, "554 5.7.1 go away: no match", action)

	action, _ = table.Resolve("none", "", "")
	assert.Equal(t, "DEFER_IF_PERMIT try later", action)
}

func TestBuildSPFActionTable_RejectsNonsense(t *testing.T) {
	_, err := BuildSPFActionTable(map[string]string{"fail": "shrug emoji"})
	assert.Error(t, err)
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "dunno", statusLabel("DUNNO"))
	assert.Equal(t, "reject", statusLabel("REJECT Rejected - outbound quota fulfilled"))
	assert.Equal(t, "defer_if_permit", statusLabel("DEFER_IF_PERMIT Service temporarily unavailable"))
	assert.Equal(t, "reject", statusLabel("550 5.7.1 SPF check failed"))
	assert.Equal(t, "defer", statusLabel("451 4.4.3 try again"))
	assert.Equal(t, "prepend", statusLabel("PREPEND Received-SPF: pass"))
}
