package mapping

import (
	"context"

	"github.com/jbweber/homelab/remu/internal/rpc"
)

// RPC method names served by the nginx node
const (
	MethodAdd    = "add_mapping"
	MethodRemove = "remove_mapping"
)

// Remote forwards mappings to the nginx node over RPC
type Remote struct {
	client *rpc.Client
	host   string
	port   int
}

// NewRemote creates a publisher targeting the nginx node at host:port
func NewRemote(client *rpc.Client, host string, port int) *Remote {
	return &Remote{client: client, host: host, port: port}
}

func (r *Remote) AddMapping(ctx context.Context, sessionID, node string, ports []int) error {
	if ports == nil {
		ports = []int{}
	}
	return r.client.Call(ctx, r.host, r.port, MethodAdd, rpc.Args{
		"session": sessionID,
		"server":  node,
		"ports":   ports,
	}, nil)
}

func (r *Remote) RemoveMapping(ctx context.Context, sessionID string) error {
	return r.client.Call(ctx, r.host, r.port, MethodRemove, rpc.Args{"session": sessionID}, nil)
}

// RegisterHandlers exposes p as the add_mapping and remove_mapping methods
func RegisterHandlers(reg *rpc.Registry, p Publisher) error {
	if err := reg.Register(MethodAdd, func(ctx context.Context, args rpc.Args) (any, error) {
		sid, err := args.String("session")
		if err != nil {
			return nil, err
		}
		node, err := args.String("server")
		if err != nil {
			return nil, err
		}
		ports, err := args.Ints("ports")
		if err != nil {
			return nil, err
		}
		return true, p.AddMapping(ctx, sid, node, ports)
	}); err != nil {
		return err
	}
	return reg.Register(MethodRemove, func(ctx context.Context, args rpc.Args) (any, error) {
		sid, err := args.String("session")
		if err != nil {
			return nil, err
		}
		return true, p.RemoveMapping(ctx, sid)
	})
}

var _ Publisher = (*Remote)(nil)
