package node

import (
	"context"

	"github.com/jbweber/homelab/remu/internal/rpc"
	"github.com/jbweber/homelab/remu/internal/unit"
)

// RegisterHandlers exposes the unit lifecycle of m as RPC methods
func RegisterHandlers(reg *rpc.Registry, m *unit.Manager) error {
	bySession := func(op func(ctx context.Context, sessionID string) error) rpc.Handler {
		return func(ctx context.Context, args rpc.Args) (any, error) {
			sid, err := args.String("session")
			if err != nil {
				return nil, err
			}
			if err := op(ctx, sid); err != nil {
				return nil, err
			}
			return true, nil
		}
	}

	handlers := map[string]rpc.Handler{
		MethodClone: func(ctx context.Context, args rpc.Args) (any, error) {
			workshop, err := args.String("workshop")
			if err != nil {
				return nil, err
			}
			sid, err := args.String("session")
			if err != nil {
				return nil, err
			}
			if err := m.Clone(ctx, workshop, sid); err != nil {
				return nil, err
			}
			return m.Introspect(ctx, sid)
		},
		MethodStart:  bySession(m.Start),
		MethodSave:   bySession(m.Save),
		MethodStop:   bySession(m.Stop),
		MethodHalt:   bySession(m.Halt),
		MethodRemove: bySession(m.Remove),
		MethodRestore: func(ctx context.Context, args rpc.Args) (any, error) {
			sid, err := args.String("session")
			if err != nil {
				return nil, err
			}
			newSid, err := args.String("new_session")
			if err != nil {
				return nil, err
			}
			if err := m.Restore(ctx, sid, newSid); err != nil {
				return nil, err
			}
			return true, nil
		},
		MethodIntrospect: func(ctx context.Context, args rpc.Args) (any, error) {
			sid, err := args.String("session")
			if err != nil {
				return nil, err
			}
			return m.Introspect(ctx, sid)
		},
		MethodStatus: func(ctx context.Context, args rpc.Args) (any, error) {
			return m.Status(ctx)
		},
		MethodWorkshopList: func(ctx context.Context, args rpc.Args) (any, error) {
			names, err := m.Workshops(ctx)
			if names == nil {
				names = []string{}
			}
			return names, err
		},
	}

	for method, h := range handlers {
		if err := reg.Register(method, h); err != nil {
			return err
		}
	}
	return nil
}
