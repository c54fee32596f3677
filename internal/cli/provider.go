package cli

import (
	"fmt"
	"net"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/picklr-io/lampstack/internal/provider"
	pb "github.com/picklr-io/lampstack/pkg/provider"
)

var providerListen string

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Work with providers",
}

var providerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in providers",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range provider.Builtins() {
			fmt.Println(name)
		}
	},
}

var providerServeCmd = &cobra.Command{
	Use:   "serve <name>",
	Short: "Serve a built-in provider over gRPC",
	Long: `Runs a built-in provider as a gRPC server so another lampstack can use it
remotely, for example from a host that holds the AWS credentials:

  lampstack provider serve aws --listen 127.0.0.1:7070

and in the configuration:

  providers:
    aws:
      address: 127.0.0.1:7070`,
	Args: cobra.ExactArgs(1),
	RunE: runProviderServe,
}

func init() {
	providerServeCmd.Flags().StringVar(&providerListen, "listen", "127.0.0.1:7070", "Address to listen on")
	providerCmd.AddCommand(providerListCmd)
	providerCmd.AddCommand(providerServeCmd)
}

func runProviderServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := provider.NewBuiltin(args[0])
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", providerListen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", providerListen, err)
	}

	srv := grpc.NewServer()
	pb.RegisterServer(srv, p)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	clog.FromContext(ctx).Info("serving provider", "provider", args[0], "address", lis.Addr().String())
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("provider server: %w", err)
	}
	return nil
}
