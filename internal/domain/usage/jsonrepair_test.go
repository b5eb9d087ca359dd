package usage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairJSON(t *testing.T) {
	t.Run("valid JSON is returned unchanged", func(t *testing.T) {
		in := `{"app":"billing","env":"prod"}`
		out, ok := RepairJSON(in)
		require.True(t, ok)
		assert.Equal(t, in, out)
	})

	t.Run("strips trailing comma before brace", func(t *testing.T) {
		out, ok := RepairJSON(`{"app":"billing",}`)
		require.True(t, ok)
		assert.JSONEq(t, `{"app":"billing"}`, out)
	})

	t.Run("strips trailing comma before bracket", func(t *testing.T) {
		out, ok := RepairJSON(`["a","b",]`)
		require.True(t, ok)
		assert.JSONEq(t, `["a","b"]`, out)
	})

	t.Run("quotes bare object keys", func(t *testing.T) {
		out, ok := RepairJSON(`{app: "billing"}`)
		require.True(t, ok)
		assert.JSONEq(t, `{"app":"billing"}`, out)
	})

	t.Run("converts single quotes to double quotes", func(t *testing.T) {
		out, ok := RepairJSON(`{'app': 'billing'}`)
		require.True(t, ok)
		assert.JSONEq(t, `{"app":"billing"}`, out)
	})

	t.Run("heuristics compound for multiply-broken input", func(t *testing.T) {
		out, ok := RepairJSON(`{app: 'billing',}`)
		require.True(t, ok)
		assert.JSONEq(t, `{"app":"billing"}`, out)
	})

	t.Run("regex extraction as last resort", func(t *testing.T) {
		out, ok := RepairJSON(`app=billing, env=prod{`)
		require.True(t, ok)

		var m map[string]string
		require.NoError(t, json.Unmarshal([]byte(out), &m))
		assert.Equal(t, "billing", m["app"])
		assert.Equal(t, "prod", m["env"])
	})

	t.Run("unrecoverable input fails", func(t *testing.T) {
		_, ok := RepairJSON(`not json at all`)
		assert.False(t, ok)
	})

	t.Run("empty input fails", func(t *testing.T) {
		_, ok := RepairJSON("   ")
		assert.False(t, ok)
	})
}

func TestCleanJSON(t *testing.T) {
	t.Run("repairs recoverable input", func(t *testing.T) {
		out, err := CleanJSON(`{app: 'billing',}`)
		require.NoError(t, err)
		assert.JSONEq(t, `{"app":"billing"}`, out)
	})

	t.Run("errors on unrecoverable input", func(t *testing.T) {
		_, err := CleanJSON(`not json at all`)
		assert.Error(t, err)
	})
}

func TestParseTags(t *testing.T) {
	t.Run("flat string map", func(t *testing.T) {
		tags := ParseTags(`{"app":"billing","team":"platform"}`)
		assert.Equal(t, map[string]string{"app": "billing", "team": "platform"}, tags)
	})

	t.Run("non-string values are stringified", func(t *testing.T) {
		tags := ParseTags(`{"replicas": 3, "active": true, "none": null}`)
		assert.Equal(t, "3", tags["replicas"])
		assert.Equal(t, "true", tags["active"])
		assert.Equal(t, "", tags["none"])
	})

	t.Run("unrecoverable input yields nil", func(t *testing.T) {
		assert.Nil(t, ParseTags(`garbage`))
	})
}
