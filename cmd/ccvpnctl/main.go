// Command ccvpnctl is the interactive/scriptable front end for
// ccvpnd: it dials the daemon's Unix-domain-socket IPC server, sends
// one Command per invocation, and prints the resulting Reply. connect
// additionally blocks, relaying any ReplyNotification pushes so
// interactive challenge/SSO prompts reach a terminal.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ccvpn-oss/ccvpn/controller"
)

var sockPath string

func main() {
	root := &cobra.Command{
		Use:   "ccvpnctl",
		Short: "ccvpnctl controls a running ccvpnd over its IPC socket",
	}
	root.PersistentFlags().StringVar(&sockPath, "socket", "/run/ccvpnd.sock", "path to ccvpnd's IPC socket")

	root.AddCommand(
		connectCmd(),
		disconnectCmd(),
		reconnectCmd(),
		statusCmd(),
		loginOptionsCmd(),
		cancelCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "start a tunnel attempt and follow it to completion",
		RunE: func(_ *cobra.Command, _ []string) error {
			cli, err := controller.Dial(sockPath)
			if err != nil {
				return err
			}
			defer cli.Close()

			go followNotifications(cli)

			reply, err := cli.Send(controller.Command{Kind: controller.CmdConnect})
			if err != nil {
				return err
			}
			return printReply(reply)
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "tear down the active tunnel",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSimple(controller.Command{Kind: controller.CmdDisconnect})
		},
	}
}

func reconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "disconnect then immediately start a new attempt",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSimple(controller.Command{Kind: controller.CmdReconnect})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the current tunnel state",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSimple(controller.Command{Kind: controller.CmdStatus})
		},
	}
}

func loginOptionsCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "login-options",
		Short: "discover the login options a gateway advertises",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSimple(controller.Command{Kind: controller.CmdGetLoginOptions, Server: server})
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "gateway host[:port] to query (defaults to the configured profile's server)")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "abort an in-flight connect attempt",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSimple(controller.Command{Kind: controller.CmdCancel})
		},
	}
}

func runSimple(cmd controller.Command) error {
	cli, err := controller.Dial(sockPath)
	if err != nil {
		return err
	}
	defer cli.Close()

	reply, err := cli.Send(cmd)
	if err != nil {
		return err
	}
	return printReply(reply)
}

// followNotifications relays challenge/SSO prompts to the terminal and
// answers them interactively; it runs for the lifetime of one connect
// invocation and exits once the socket closes.
func followNotifications(cli *controller.Client) {
	stdin := bufio.NewReader(os.Stdin)
	for n := range cli.Notifications() {
		switch n.Kind {
		case controller.NotifyChallengePending:
			fmt.Fprintf(os.Stderr, "%s: ", n.ChallengePrompt)
			answer := readChallengeAnswer(stdin)
			ans, err := controller.Dial(sockPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "answer challenge:", err)
				continue
			}
			_, _ = ans.Send(controller.Command{Kind: controller.CmdChallengeAnswer, Answer: answer})
			ans.Close()
		case controller.NotifySSOPending:
			fmt.Fprintf(os.Stderr, "complete SSO login at: %s\n", n.SSOURL)
		case controller.NotifyStateChanged:
			fmt.Fprintf(os.Stderr, "state: %s\n", n.State)
		case controller.NotifyConnected, controller.NotifyDisconnected:
			return
		case controller.NotifyError:
			fmt.Fprintln(os.Stderr, "error:", n.Err)
			return
		}
	}
}

// readChallengeAnswer reads one line for a pending challenge prompt.
// A TOTP code or SMS PIN is sensitive the same way a password is, so
// when stdin is an actual terminal it's read with local echo off;
// piped/scripted input (not a terminal) falls back to a plain line
// read since there's no echo to suppress.
func readChallengeAnswer(stdin *bufio.Reader) string {
	if isTerminal(int(os.Stdin.Fd())) {
		line, err := readPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err == nil {
			return string(line)
		}
	}
	line, _ := stdin.ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

func printReply(reply controller.Reply) error {
	if reply.Kind == controller.ReplyError {
		return fmt.Errorf("%s", reply.Error)
	}
	if reply.Status != nil {
		st := reply.Status
		fmt.Printf("state:     %s\n", st.State)
		if st.InnerIP != "" {
			fmt.Printf("inner ip:  %s\n", st.InnerIP)
		}
		if st.PeerAddr != "" {
			fmt.Printf("peer:      %s\n", st.PeerAddr)
		}
		if st.Transport != "" {
			fmt.Printf("transport: %s\n", st.Transport)
		}
		if st.Profile != "" {
			fmt.Printf("profile:   %s\n", st.Profile)
		}
	}
	if reply.LoginOptions != nil {
		opts := reply.LoginOptions
		fmt.Printf("preferred protocol: %s\n", opts.PreferredProtocol)
		for _, o := range opts.Options {
			fmt.Printf("  - %s\n", o.ID)
		}
	}
	return nil
}
