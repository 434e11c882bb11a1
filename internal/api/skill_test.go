package api

import (
	"encoding/json"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSkillPutThenList(t *testing.T) {
	tenants := newFakeTenantRepo()
	skills := newFakeSkillRepo()
	seedTenant(t, tenants, "user-1", "tenant-1")

	h := NewSkillHandler(tenants, skills, zap.NewNop())

	c, w := newTestContext("PUT", "/v1/tenants/tenant-1/skills/calendar", skillPutRequest{Content: "book a meeting"})
	withAuthedTenantParam(c, "user-1", "tenant-1")
	c.Params = append(c.Params, gin.Param{Key: "skill_id", Value: "calendar"})
	h.Put(c)

	require.Equal(t, 200, w.Code)
	var putResp skillResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &putResp))
	assert.Equal(t, 1, putResp.Revision)
	assert.Equal(t, "calendar", putResp.SkillID)

	c2, w2 := newTestContext("GET", "/v1/tenants/tenant-1/skills", nil)
	withAuthedTenantParam(c2, "user-1", "tenant-1")
	h.List(c2)

	require.Equal(t, 200, w2.Code)
	var listResp []skillResponse
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &listResp))
	require.Len(t, listResp, 1)
	assert.Equal(t, "book a meeting", listResp[0].Content)
}

func TestSkillCrossTenantAccessForbidden(t *testing.T) {
	tenants := newFakeTenantRepo()
	skills := newFakeSkillRepo()
	seedTenant(t, tenants, "owner-1", "tenant-1")
	h := NewSkillHandler(tenants, skills, zap.NewNop())

	c, w := newTestContext("GET", "/v1/tenants/tenant-1/skills", nil)
	withAuthedTenantParam(c, "someone-else", "tenant-1")
	h.List(c)

	assert.Equal(t, 403, w.Code)
}
