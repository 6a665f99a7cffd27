package server

import (
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/feeledger/internal/orgcontext"
)

const (
	HeaderOrg     = "X-Org-ID"
	contextOrgKey = "org_id"
)

// OrgContext resolves the tenant from the X-Org-ID header and stores it on the
// request context.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := orgcontext.ParseOrgID(c.GetHeader(HeaderOrg))
		if !ok {
			AbortWithError(c, newValidationError("organization", "invalid_organization", "X-Org-ID header is required"))
			return
		}

		c.Set(contextOrgKey, orgID.String())
		c.Request = c.Request.WithContext(orgcontext.WithOrgID(c.Request.Context(), int64(orgID)))
		c.Next()
	}
}
