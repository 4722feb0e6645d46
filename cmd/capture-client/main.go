// Command capture-client is a minimal demonstration of the capture-client
// side of spec.md §4.8/§6: it dials a running CAPTURE core's client
// listener, sends OPEN, and then acknowledges every NEW_BATCH it receives
// with ACK_BATCH, logging what it saw. It exists to exercise the
// OPEN/NEW_BATCH/ACK_BATCH protocol end to end outside of tests; it holds
// no opinion about what a real consumer would do with the batch contents
// (spec.md leaves that to the client).
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yanet-platform/comocapture/internal/ipc"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	Addr string
}

var rootCmd = &cobra.Command{
	Use:   "capture-client",
	Short: "Demo capture-client exercising OPEN/NEW_BATCH/ACK_BATCH",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.Addr, "addr", "a", "", "Address of the CAPTURE core's client listener (required)")
	rootCmd.MarkFlagRequired("addr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	conn, err := ipc.Dial(cmd.Addr, ipc.PeerClient)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cmd.Addr, err)
	}
	defer conn.Close()

	if err := conn.Send(ipc.MsgOpen, nil); err != nil {
		return fmt.Errorf("send OPEN: %w", err)
	}

	typ, payload, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("recv OPEN_RES: %w", err)
	}
	if typ == ipc.MsgError {
		e, _ := ipc.UnmarshalErrorMsg(payload)
		return fmt.Errorf("OPEN refused: %s", e.Reason)
	}
	if typ != ipc.MsgOpenRes {
		return fmt.Errorf("expected OPEN_RES, got message type %d", typ)
	}
	res, err := ipc.UnmarshalOpenRes(payload)
	if err != nil {
		return fmt.Errorf("malformed OPEN_RES: %w", err)
	}
	fmt.Printf("opened: client_id=%d sampling_id=%d\n", res.ClientID, res.SamplingID)

	for {
		typ, payload, err := conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}

		switch typ {
		case ipc.MsgNewBatch:
			batch, err := ipc.UnmarshalBatchMsg(payload)
			if err != nil {
				fmt.Printf("malformed NEW_BATCH: %v\n", err)
				continue
			}
			fmt.Printf("new batch: handle=%d\n", batch.BatchHandle)

			ack := ipc.BatchMsg{ClientID: res.ClientID, BatchHandle: batch.BatchHandle}
			if err := conn.Send(ipc.MsgAckBatch, ack.Marshal()); err != nil {
				return fmt.Errorf("send ACK_BATCH: %w", err)
			}

		case ipc.MsgDone:
			fmt.Println("core signalled DONE, exiting")
			return nil

		default:
			fmt.Printf("unexpected message type %d\n", typ)
		}
	}
}
