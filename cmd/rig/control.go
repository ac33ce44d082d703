package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitchside/rig/pkg/client"
	"github.com/pitchside/rig/pkg/types"
)

// controlClient builds the client for the control verbs against --endpoint.
func controlClient() *client.Node {
	return client.NewNode(flagEndpoint, 60*time.Second)
}

// exitFor maps a client error to the CLI exit code.
func exitFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, types.ErrPrecondition):
		return exitPrecondition
	case errors.Is(err, types.ErrPeerUnreachable):
		return exitUnreachable
	case errors.Is(err, types.ErrChecksumMismatch):
		return exitVerification
	default:
		return exitGeneric
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitFor(err))
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(data))
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show aggregate cluster status",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := controlClient().ClusterStatus(context.Background())
		if err != nil {
			fail(err)
		}
		printJSON(st)
	},
}

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Run the admission checks on every camera",
	Run: func(cmd *cobra.Command, args []string) {
		rep, err := controlClient().ClusterPreflight(context.Background())
		if err != nil {
			fail(err)
		}
		printJSON(rep)
		if !rep.Passed {
			os.Exit(exitPrecondition)
		}
	},
}

var startCmd = &cobra.Command{
	Use:   "start [session-id]",
	Short: "Start a synchronized recording on all cameras",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sessionID := ""
		if len(args) == 1 {
			sessionID = args[0]
		}
		res, err := controlClient().ClusterStart(context.Background(), sessionID)
		if err != nil {
			fail(err)
		}
		printJSON(res)
		if !res.Success {
			// Peer reachability failures dominate the exit code.
			for _, cam := range res.Cameras {
				if cam.Error == "peer_unreachable" {
					os.Exit(exitUnreachable)
				}
			}
			os.Exit(exitPrecondition)
		}
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the recording on all cameras",
	Run: func(cmd *cobra.Command, args []string) {
		res, err := controlClient().ClusterStop(context.Background())
		if err != nil {
			fail(err)
		}
		printJSON(res)
		if !res.Success {
			os.Exit(exitGeneric)
		}
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a time-sync pass on all cameras",
	Run: func(cmd *cobra.Command, args []string) {
		res, err := controlClient().ClusterSync(context.Background())
		if err != nil {
			fail(err)
		}
		printJSON(res)
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the end-to-end recording self-check on all cameras",
	Run: func(cmd *cobra.Command, args []string) {
		res, err := controlClient().ClusterTest(context.Background())
		if err != nil {
			fail(err)
		}
		printJSON(res)
		for _, r := range res {
			if !r.Passed {
				os.Exit(exitPrecondition)
			}
		}
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Manage the peer registry",
	Run: func(cmd *cobra.Command, args []string) {
		peers, err := controlClient().Peers(context.Background())
		if err != nil {
			fail(err)
		}
		printJSON(peers)
	},
}

var peersAddCmd = &cobra.Command{
	Use:   "add <node-id> <endpoint>",
	Short: "Add a static peer",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		position, _ := cmd.Flags().GetString("position")
		master, _ := cmd.Flags().GetBool("master")
		err := controlClient().AddPeer(context.Background(), types.Peer{
			NodeID:   args[0],
			Endpoint: args[1],
			Position: types.Position(position),
			IsMaster: master,
		})
		if err != nil {
			fail(err)
		}
		fmt.Printf("added %s at %s\n", args[0], args[1])
	},
}

var peersRemoveCmd = &cobra.Command{
	Use:   "remove <node-id>",
	Short: "Remove a peer",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := controlClient().RemovePeer(context.Background(), args[0]); err != nil {
			fail(err)
		}
		fmt.Printf("removed %s\n", args[0])
	},
}

func init() {
	peersAddCmd.Flags().String("position", "", "camera position (left, center, right)")
	peersAddCmd.Flags().Bool("master", false, "peer is the sync master")
	peersCmd.AddCommand(peersAddCmd)
	peersCmd.AddCommand(peersRemoveCmd)
}
