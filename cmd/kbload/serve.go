package main

import (
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/c2stem/copa/internal/vectorsearch"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the vector index over gRPC",
	Long: `Serve the local index to tutoring servers started with VECTOR_BACKEND=grpc.
Any namespace stored in the database can be queried.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":50051", "Listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	idx, closeDB, err := openIndex()
	if err != nil {
		return err
	}
	defer closeDB()

	lis, err := net.Listen("tcp", serveAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", serveAddr, err)
	}

	srv := grpc.NewServer()
	vectorsearch.Register(srv, func(ns string) vectorsearch.Searcher {
		return idx.WithNamespace(ns)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Vector service listening", "addr", lis.Addr().String())
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Vector service shutting down")
		srv.GracefulStop()
		return nil
	})
	return g.Wait()
}
