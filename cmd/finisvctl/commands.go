package main

import (
	"fmt"
	"strconv"

	"github.com/finisv/finisv/pkg/control"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(
		startCmd, stopCmd, restartCmd, queryCmd, enumerateCmd, findCmd,
		getRunlevelCmd, reloadCmd, runlevelChangeCmd, emitEventCmd,
		inetdQueryCmd, watchdogHandoverCmd, debugToggleCmd,
	)
}

func simpleRequest(cmd control.Command, payload string) (*control.Frame, error) {
	f := &control.Frame{Cmd: uint8(cmd)}
	f.SetPayload(payload)
	return roundTrip(f)
}

var startCmd = &cobra.Command{
	Use:   "start <service>",
	Short: "Request a service start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := simpleRequest(control.CmdStart, args[0])
		if err != nil {
			return err
		}
		if err := checkReply(reply); err != nil {
			return err
		}
		fmt.Printf("%s: start requested\n", args[0])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <service>",
	Short: "Request a service stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := simpleRequest(control.CmdStop, args[0])
		if err != nil {
			return err
		}
		if err := checkReply(reply); err != nil {
			return err
		}
		fmt.Printf("%s: stop requested\n", args[0])
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <service>",
	Short: "Stop then start a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := simpleRequest(control.CmdRestart, args[0])
		if err != nil {
			return err
		}
		if err := checkReply(reply); err != nil {
			return err
		}
		fmt.Printf("%s: restarted\n", args[0])
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <service>",
	Short: "List condition facts a service is still waiting on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := simpleRequest(control.CmdQuery, args[0])
		if err != nil {
			return err
		}
		if control.Reply(reply.Cmd) == control.ReplyNACK {
			fmt.Printf("%s: unmet conditions: %s\n", args[0], reply.Payload())
			return &nackError{"unmet conditions"}
		}
		if err := checkReply(reply); err != nil {
			return err
		}
		fmt.Printf("%s: all conditions satisfied\n", args[0])
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:   "find <service>",
	Short: "Show a service's current state and PID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := simpleRequest(control.CmdFind, args[0])
		if err != nil {
			return err
		}
		if err := checkReply(reply); err != nil {
			return err
		}
		fmt.Println(reply.Payload())
		return nil
	},
}

var enumerateCmd = &cobra.Command{
	Use:   "list",
	Short: "List every loaded service",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial()
		if err != nil {
			return &transportError{err}
		}
		defer conn.Close()

		req := &control.Frame{Cmd: uint8(control.CmdEnumerate)}
		if err := control.WriteFrame(conn, req); err != nil {
			return &transportError{err}
		}

		for {
			reply, err := control.ReadFrame(conn)
			if err != nil {
				return &transportError{err}
			}
			switch control.Reply(reply.Cmd) {
			case control.ReplyRecord:
				fmt.Println(reply.Payload())
			case control.ReplyEnd:
				return nil
			default:
				return &transportError{fmt.Errorf("unexpected reply code %d", reply.Cmd)}
			}
		}
	},
}

var getRunlevelCmd = &cobra.Command{
	Use:   "get-runlevel",
	Short: "Print the active runlevel",
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := roundTrip(&control.Frame{Cmd: uint8(control.CmdGetRunlevel)})
		if err != nil {
			return err
		}
		if err := checkReply(reply); err != nil {
			return err
		}
		fmt.Println(reply.Runlevel)
		return nil
	},
}

var runlevelChangeCmd = &cobra.Command{
	Use:   "runlevel-change <level>",
	Short: "Request a runlevel transition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := strconv.Atoi(args[0])
		if err != nil || lvl < 0 || lvl > 9 {
			return fmt.Errorf("runlevel must be an integer 0-9")
		}
		reply, err := roundTrip(&control.Frame{Cmd: uint8(control.CmdRunlevelChange), Runlevel: uint8(lvl)})
		if err != nil {
			return err
		}
		if err := checkReply(reply); err != nil {
			return err
		}
		fmt.Printf("runlevel change to %d requested\n", lvl)
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the configuration directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := roundTrip(&control.Frame{Cmd: uint8(control.CmdReload)})
		if err != nil {
			return err
		}
		if err := checkReply(reply); err != nil {
			return err
		}
		fmt.Println("reload complete")
		return nil
	},
}

var emitEventCmd = &cobra.Command{
	Use:   "emit-event <condition-path>",
	Short: "Assert a condition fact by path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := simpleRequest(control.CmdEmitEvent, args[0])
		if err != nil {
			return err
		}
		if err := checkReply(reply); err != nil {
			return err
		}
		fmt.Printf("%s: asserted\n", args[0])
		return nil
	},
}

var inetdQueryCmd = &cobra.Command{
	Use:   "inetd-query <service>",
	Short: "Check whether an inetd service's listener is active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := simpleRequest(control.CmdInetdQuery, args[0])
		if err != nil {
			return err
		}
		if err := checkReply(reply); err != nil {
			return err
		}
		fmt.Printf("%s: listener active\n", args[0])
		return nil
	},
}

var watchdogHandoverCmd = &cobra.Command{
	Use:   "watchdog-handover",
	Short: "Send a watchdog-handover request (the server only acknowledges it)",
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := roundTrip(&control.Frame{Cmd: uint8(control.CmdWatchdogHandover)})
		if err != nil {
			return err
		}
		return checkReply(reply)
	},
}

var debugToggleCmd = &cobra.Command{
	Use:   "debug-toggle",
	Short: "Acknowledge a debug-logging toggle request",
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := roundTrip(&control.Frame{Cmd: uint8(control.CmdDebugToggle)})
		if err != nil {
			return err
		}
		return checkReply(reply)
	},
}
