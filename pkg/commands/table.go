// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"

	"github.com/cobaltcore-dev/dieh/pkg/dieh"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	tableFormat  string
	tableNatsURL string
	tableBucket  string
	tableKey     string
)

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Work with configuration tables offline",
}

var tableValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Parse and validate a table file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tbl, err := readTableFile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d records, %d overrides, ok\n", args[0], len(tbl.Records), len(tbl.Overrides))
		return nil
	},
}

var tableDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the built-in default table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTable(dieh.DefaultTable())
	},
}

var tableConvertCmd = &cobra.Command{
	Use:   "convert <file>",
	Short: "Convert a table between XML and YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tbl, err := readTableFile(args[0])
		if err != nil {
			return err
		}
		return printTable(tbl)
	},
}

var tablePushCmd = &cobra.Command{
	Use:   "push <file>",
	Short: "Validate a table and store it in the NATS key-value registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := readTableFile(args[0]); err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		nc, err := nats.Connect(tableNatsURL)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()
		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to initialize JetStream: %w", err)
		}

		rev, err := dieh.PutRegistryTable(js, tableBucket, tableKey, data)
		if err != nil {
			return err
		}
		log.Info().Str("bucket", tableBucket).Str("key", tableKey).Uint64("revision", rev).Msg("table stored")
		fmt.Printf("stored as nats-kv://%s/%s (revision %d)\n", tableBucket, tableKey, rev)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{tableDefaultCmd, tableConvertCmd} {
		c.Flags().StringVar(&tableFormat, "format", "yaml", "Output format (yaml, xml)")
	}
	tablePushCmd.Flags().StringVar(&tableNatsURL, "nats-url", nats.DefaultURL, "NATS server URL")
	tablePushCmd.Flags().StringVar(&tableBucket, "bucket", "dieh-tables", "Key-value bucket")
	tablePushCmd.Flags().StringVar(&tableKey, "key", "current", "Key within the bucket")

	tableCmd.AddCommand(tableValidateCmd, tableDefaultCmd, tableConvertCmd, tablePushCmd)
}

func readTableFile(path string) (*dieh.ConfigurationTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tbl, err := dieh.DecodeTable(data)
	if err != nil {
		return nil, err
	}
	if err := dieh.Validate(tbl); err != nil {
		return nil, err
	}
	return tbl, nil
}

func printTable(tbl *dieh.ConfigurationTable) error {
	var out []byte
	var err error
	switch tableFormat {
	case "xml":
		out, err = dieh.EncodeXML(tbl)
	case "yaml", "":
		out, err = dieh.EncodeYAML(tbl)
	default:
		return fmt.Errorf("unknown format %q", tableFormat)
	}
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
