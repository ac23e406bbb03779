package main

import (
	"fmt"
	"net"
	"os"

	"github.com/finisv/finisv/pkg/control"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var socketPath string

// rootCmd is finisvctl's entrypoint: one cobra subcommand per External
// API Server command, grounded on the teacher's slinitctl command
// dispatch (one function per verb, a shared socket-connect helper), with
// cobra replacing the teacher's hand-rolled argv scanner. Exit codes
// follow the wire protocol's ACK/NACK/transport-failure split: 0 for
// ACK, 1 for NACK, 2 for a connection or framing failure.
var rootCmd = &cobra.Command{
	Use:           "finisvctl",
	Short:         "finisvctl talks to a running finisv instance over its control socket",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the finisvctl version and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("finisvctl version " + version)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket-path", "s", "/run/finisv.socket", "control socket path")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "finisvctl:", err)
		os.Exit(exitCodeFor(err))
	}
}

func dial() (net.Conn, error) {
	return net.Dial("unix", socketPath)
}

// roundTrip writes req and reads exactly one reply frame, the "one
// request per connection" pattern every command but Enumerate uses.
func roundTrip(req *control.Frame) (*control.Frame, error) {
	conn, err := dial()
	if err != nil {
		return nil, &transportError{err}
	}
	defer conn.Close()

	if err := control.WriteFrame(conn, req); err != nil {
		return nil, &transportError{err}
	}
	reply, err := control.ReadFrame(conn)
	if err != nil {
		return nil, &transportError{err}
	}
	return reply, nil
}

// transportError marks a connection/framing failure, which maps to exit
// code 2 rather than the NACK path's exit code 1.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }

// nackError marks a NACK reply, mapping to exit code 1.
type nackError struct{ reason string }

func (e *nackError) Error() string { return e.reason }

func exitCodeFor(err error) int {
	switch err.(type) {
	case *transportError:
		return 2
	case *nackError:
		return 1
	default:
		return 1
	}
}

func checkReply(f *control.Frame) error {
	switch control.Reply(f.Cmd) {
	case control.ReplyACK:
		return nil
	case control.ReplyNACK:
		reason := f.Payload()
		if reason == "" {
			reason = "request refused"
		}
		return &nackError{reason}
	default:
		return &transportError{fmt.Errorf("unexpected reply code %d", f.Cmd)}
	}
}
