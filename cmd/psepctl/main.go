// Command psepctl is a minimal operational CLI for a running Processor:
// dial the admin surface over gRPC, issue one command, print the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/psep-io/psep/adminsvc"
)

var addr string

func main() {
	var root = &cobra.Command{
		Use:   "psepctl",
		Short: "Inspect and control a running PSEP processor",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:7070", "admin service address")

	root.AddCommand(statusCmd(), splitCmd(), mergeCmd(), releaseCmd(), resetCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial() (*grpc.ClientConn, error) {
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the processor's lifecycle state and per-segment progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			var conn, err = dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			var resp adminsvc.StatusResponse
			if err := adminsvc.Invoke(cmd.Context(), conn, "Status", &adminsvc.StatusRequest{}, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func segmentCmd(use, short, method string) *cobra.Command {
	var segmentID uint32
	var c = &cobra.Command{
		Use:   use + " --segment ID",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			var conn, err = dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			var resp adminsvc.ControlResponse
			var req = adminsvc.SegmentRequest{SegmentID: segmentID}
			if err := adminsvc.Invoke(cmd.Context(), conn, method, &req, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	c.Flags().Uint32Var(&segmentID, "segment", 0, "segment ID, as shown by status")
	return c
}

func splitCmd() *cobra.Command   { return segmentCmd("split", "Split a segment into two", "Split") }
func mergeCmd() *cobra.Command   { return segmentCmd("merge", "Merge a segment with its sibling", "Merge") }
func releaseCmd() *cobra.Command { return segmentCmd("release", "Release a claimed segment", "Release") }

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset every segment's token (processor must be stopped)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var conn, err = dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			var resp adminsvc.ControlResponse
			if err := adminsvc.Invoke(cmd.Context(), conn, "Reset", &adminsvc.ResetRequest{}, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func printJSON(v interface{}) error {
	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
