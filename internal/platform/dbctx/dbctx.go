package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Repo methods take this instead of a bare context.Context so the
// controller's stage-advancement transaction can thread its *gorm.DB down
// into task repo calls without every method needing its own tx parameter.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
