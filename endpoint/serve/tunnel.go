package serve

import (
	"context"
	"errors"

	"github.com/floegence/flowersec-sub002/controlplane/grant"
	"github.com/floegence/flowersec-sub002/endpoint"
)

// ServeTunnel connects to a tunnel as role=server and serves streams using srv.
func ServeTunnel(ctx context.Context, g *grant.ChannelInitGrant, origin string, srv *Server, opts ...endpoint.ConnectOption) error {
	if srv == nil {
		return errors.New("missing server")
	}
	sess, err := endpoint.ConnectTunnel(ctx, g, append([]endpoint.ConnectOption{endpoint.WithOrigin(origin)}, opts...)...)
	if err != nil {
		return err
	}
	defer sess.Close()
	return srv.ServeSession(ctx, sess)
}
