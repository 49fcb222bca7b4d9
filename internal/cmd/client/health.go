package client

import (
	"context"
	"fmt"
	"time"

	transports "github.com/rzbill/stageflow/internal/cmd/client/transports"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewHealthCommand constructs the `health` command, which probes the gRPC
// health service.
func NewHealthCommand() *cobra.Command {
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("grpc")
			service, _ := cmd.Flags().GetString("service")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if addr == "" {
				addr = grpcAddrFromEnv()
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := transports.CheckHealth(ctx, addr, service)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", st.String())
			if st != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("server is %s", st)
			}
			return nil
		},
	}
	healthCmd.Flags().String("grpc", "", "gRPC address (default $STAGEFLOW_GRPC or 127.0.0.1:50051)")
	healthCmd.Flags().String("service", "", "Health service name (empty checks the whole server)")
	healthCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
	return healthCmd
}
