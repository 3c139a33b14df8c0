package handler

import (
	"encoding/csv"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/starstore/internal/model"
)

func TestAuditList(t *testing.T) {
	env := newTestEnv(t)
	first := env.publish(t, map[string]any{"name": "Mug", "star_cost": 1})
	env.publish(t, map[string]any{"name": "Cap", "star_cost": 1})

	rec := env.do(t, env.admin, "GET", "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]model.AuditEntry](t, rec)
	// created, approval_requested, item_approved, item_activated per item
	assert.Len(t, all, 8)

	rec = env.do(t, env.admin, "GET", "/api/audit?item_id="+itoa(first.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]model.AuditEntry](t, rec)
	require.Len(t, entries, 4)
	assert.Equal(t, model.AuditItemCreated, entries[0].Action)
	assert.Equal(t, model.AuditItemActivated, entries[3].Action)

	rec = env.do(t, env.admin, "GET", "/api/audit?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.AuditEntry](t, rec), 2)

	for _, q := range []string{"item_id=x", "since=yesterday", "limit=-1"} {
		assert.Equal(t, http.StatusBadRequest, env.do(t, env.admin, "GET", "/api/audit?"+q, nil).Code, q)
	}
}

func TestAuditExportCSV(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, map[string]any{"name": "Mug", "star_cost": 1})

	rec := env.do(t, env.admin, "GET", "/api/audit/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, []string{"id", "item_id", "action", "actor", "timestamp", "from_status", "to_status", "detail"}, records[0])
	assert.Equal(t, "item_created", records[1][2])
	assert.Equal(t, "draft", records[1][6])
}

func TestArchiveRunDisabled(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, env.admin, "POST", "/api/archives", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "archives_disabled", decode[errorResponse](t, rec).Code)
}
