package taskworker

import (
	"context"

	"gorm.io/datatypes"

	"github.com/geoflux/coremachine/internal/coreerr"
	"github.com/geoflux/coremachine/internal/registry"
)

// safeRun calls handler.Run, converting a panic into a HandlerFailure
// instead of letting it unwind into the worker goroutine. Adapted from
// the teacher's errFromRecover/panicError pair.
func safeRun(ctx context.Context, handler registry.TaskHandler, params datatypes.JSON) (result datatypes.JSON, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = coreerr.NewHandlerFailure(&panicValue{v: r})
		}
	}()
	result, err = handler.Run(ctx, params)
	if err != nil {
		err = coreerr.NewHandlerFailure(err)
	}
	return result, err
}

// panicValue carries a recovered panic value without leaking it directly
// into error messages that might end up in logs or result payloads.
type panicValue struct{ v any }

func (p *panicValue) Error() string { return "panic: unexpected error" }
