package deploy

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/orbitprofiler/orbitdeploy/internal/protocol"
)

// ProbeGRPC dials the forwarded port and waits until a gRPC connection to the
// service is ready. The tunnel serves a single client, so a probed tunnel is
// used up.
func ProbeGRPC(ctx context.Context, port uint16) error {
	target := net.JoinHostPort(protocol.Localhost, strconv.Itoa(int(port)))
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("creating grpc client for %s: %w", target, err)
	}
	defer conn.Close()

	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return fmt.Errorf("grpc connection to %s shut down", target)
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("waiting for grpc connection to %s (last state %s): %w", target, state, ctx.Err())
		}
	}
}
