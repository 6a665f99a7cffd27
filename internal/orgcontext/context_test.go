package orgcontext

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
)

func TestOrgIDFromContext(t *testing.T) {
	_, ok := OrgIDFromContext(context.Background())
	assert.False(t, ok)

	id, ok := OrgIDFromContext(WithOrgID(context.Background(), 42))
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(42), id)

	_, ok = OrgIDFromContext(WithOrgID(context.Background(), 0))
	assert.False(t, ok)

	ctx := context.WithValue(context.Background(), OrgContextKey{}, "77")
	id, ok = OrgIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(77), id)
}

func TestParseOrgID(t *testing.T) {
	id, ok := ParseOrgID(" 1001 ")
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(1001), id)

	_, ok = ParseOrgID("abc")
	assert.False(t, ok)
	_, ok = ParseOrgID("-4")
	assert.False(t, ok)
}
