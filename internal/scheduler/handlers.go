package scheduler

import (
	"context"

	"github.com/jbweber/homelab/remu/internal/rpc"
)

// RPC method names served by the scheduler
const (
	MethodStartSession = "start_session"
	MethodStopSession  = "stop_session"
)

// RegisterHandlers exposes checkout and return to a remote web tier
func RegisterHandlers(reg *rpc.Registry, s *Scheduler) error {
	if err := reg.Register(MethodStartSession, func(ctx context.Context, args rpc.Args) (any, error) {
		name, err := args.String("workshop")
		if err != nil {
			return nil, err
		}
		return s.StartWorkshop(ctx, name)
	}); err != nil {
		return err
	}
	return reg.Register(MethodStopSession, func(ctx context.Context, args rpc.Args) (any, error) {
		sid, err := args.String("session")
		if err != nil {
			return nil, err
		}
		return true, s.StopWorkshop(ctx, sid)
	})
}
