// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cobaltcore-dev/dieh/pkg/dieh"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var (
	ctlNatsURL       string
	ctlSubjectPrefix string
	ctlTimeout       time.Duration
	ctlFormat        string

	ctlSenseKey string
	ctlASC      string
	ctlASCQ     string
	ctlPort     string
	ctlOpcode   string
	ctlSource   string
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Operator commands for a running engine",
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&ctlNatsURL, "nats-url", nats.DefaultURL, "NATS server URL")
	ctlCmd.PersistentFlags().StringVar(&ctlSubjectPrefix, "subject-prefix", dieh.DefaultSubjectPrefix, "Prefix of all NATS subjects")
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 5*time.Second, "Time to wait for a reply")

	showConfigCmd.Flags().StringVar(&ctlFormat, "format", "yaml", "Output format (yaml, xml)")

	for _, c := range []*cobra.Command{getExceptionCmd, setExceptionCmd} {
		c.Flags().StringVar(&ctlSenseKey, "sense-key", "", "Sense key, e.g. 0x3")
		c.Flags().StringVar(&ctlASC, "asc", "", "Additional sense code or range, e.g. 0x5d or 0x10-0x1f")
		c.Flags().StringVar(&ctlASCQ, "ascq", "", "Additional sense code qualifier or range")
		c.Flags().StringVar(&ctlPort, "port", "", "Port status, e.g. crc_error")
		c.Flags().StringVar(&ctlOpcode, "opcode", "", "Command opcode")
		c.Flags().StringVar(&ctlSource, "source", "", "Event source (io, health_check)")
	}
	exceptionCmd.AddCommand(getExceptionCmd, setExceptionCmd)
	policyCmd.AddCommand(getPolicyCmd, setPolicyCmd)

	ctlCmd.AddCommand(
		loadCmd,
		statusCmd,
		showConfigCmd,
		statsCmd,
		clearStatsCmd,
		clearLatchCmd,
		exceptionCmd,
		policyCmd,
		forceActionCmd,
		forceClearUpdateCmd,
	)
}

var loadCmd = &cobra.Command{
	Use:   "load [source]",
	Short: "Load a configuration table (default, file path or nats-kv://bucket/key)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := dieh.ControlRequest{Command: dieh.CmdLoad, Source: dieh.SourceDefault}
		if len(args) == 1 {
			req.Source = args[0]
		}
		return sendAndPrint(req)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the published table generation and update state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(dieh.ControlRequest{Command: dieh.CmdStatus})
	},
}

var showConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the published configuration table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := send(dieh.ControlRequest{Command: dieh.CmdShowConfig, Format: ctlFormat})
		if err != nil {
			return err
		}
		doc, _ := resp.Data.(string)
		fmt.Print(doc)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [drive]",
	Short: "Show error ratios and counters of one or all drives",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := dieh.ControlRequest{Command: dieh.CmdStats}
		if len(args) == 1 {
			req.Drive = args[0]
		}
		return sendAndPrint(req)
	},
}

var clearStatsCmd = &cobra.Command{
	Use:   "clear-stats <drive>",
	Short: "Reset ratios, latches and counters of a drive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(dieh.ControlRequest{Command: dieh.CmdClearStats, Drive: args[0]})
	},
}

var clearLatchCmd = &cobra.Command{
	Use:   "clear-latch <drive> <category>",
	Short: "Re-arm the thresholds of one category",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(dieh.ControlRequest{Command: dieh.CmdClearLatch, Drive: args[0], Category: args[1]})
	},
}

var exceptionCmd = &cobra.Command{
	Use:   "exception",
	Short: "Read or change runtime category exceptions",
}

var getExceptionCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the action assigned to an error signature",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(dieh.ControlRequest{Command: dieh.CmdGetException, Match: matcherFromFlags()})
	},
}

var setExceptionCmd = &cobra.Command{
	Use:   "set <action>",
	Short: "Assign a direct action to an error signature (none removes it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(dieh.ControlRequest{Command: dieh.CmdSetException, Match: matcherFromFlags(), Action: args[0]})
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Read or change policy switches",
}

var getPolicyCmd = &cobra.Command{
	Use:   "get",
	Short: "Show all policy switches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(dieh.ControlRequest{Command: dieh.CmdGetPolicy})
	},
}

var setPolicyCmd = &cobra.Command{
	Use:   "set <policy> <true|false>",
	Short: "Enable or disable a policy",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := strconv.ParseBool(args[1])
		if err != nil {
			return err
		}
		return sendAndPrint(dieh.ControlRequest{Command: dieh.CmdSetPolicy, Policy: args[0], Enabled: &on})
	},
}

var forceActionCmd = &cobra.Command{
	Use:   "force-action <drive> <action>",
	Short: "Dispatch an action for a drive, bypassing thresholds",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(dieh.ControlRequest{Command: dieh.CmdForceAction, Drive: args[0], Action: args[1]})
	},
}

var forceClearUpdateCmd = &cobra.Command{
	Use:   "force-clear-update",
	Short: "Abandon a stuck configuration update",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(dieh.ControlRequest{Command: dieh.CmdForceClearUpdate})
	},
}

func matcherFromFlags() *dieh.MatcherDocument {
	return &dieh.MatcherDocument{
		SenseKey: ctlSenseKey,
		ASC:      ctlASC,
		ASCQ:     ctlASCQ,
		Port:     ctlPort,
		Opcode:   ctlOpcode,
		Source:   ctlSource,
	}
}

func send(req dieh.ControlRequest) (dieh.ControlResponse, error) {
	nc, err := nats.Connect(ctlNatsURL)
	if err != nil {
		return dieh.ControlResponse{}, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	subjects := dieh.Subjects{Prefix: ctlSubjectPrefix}
	resp, _, err := dieh.SendControl(nc, subjects.Control(), req, ctlTimeout)
	if err != nil {
		return resp, err
	}
	if !resp.OK {
		if resp.Status != "" {
			return resp, fmt.Errorf("%s: %s (%s)", req.Command, resp.Error, resp.Status)
		}
		return resp, fmt.Errorf("%s: %s", req.Command, resp.Error)
	}
	return resp, nil
}

func sendAndPrint(req dieh.ControlRequest) error {
	resp, err := send(req)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
