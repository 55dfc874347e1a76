package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/ugorji/go/codec"

	"github.com/srg/sppctl/internal/bond"
	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/stack"
)

// bondsCmd groups the bonded device commands
var bondsCmd = &cobra.Command{
	Use:   "bonds",
	Short: "List or remove bonded devices",
	Long: `Lists or removes the bonding records (link keys) the adapter keeps for
paired devices. The stack is not brought up; only the adapter is queried.

Example:
  sppctl bonds list
  sppctl bonds list --format json
  sppctl bonds clear`,
}

var bondsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bonded devices",
	Args:  cobra.NoArgs,
	RunE:  runBondsList,
}

var bondsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every bonded device",
	Args:  cobra.NoArgs,
	RunE:  runBondsClear,
}

var bondsFormat string

func init() {
	bondsListCmd.Flags().StringVar(&bondsFormat, "format", "text", "Output format: text or json")
	bondsCmd.AddCommand(bondsListCmd)
	bondsCmd.AddCommand(bondsClearCmd)
}

// bondRecord is the JSON shape of one bonded device
type bondRecord struct {
	Index   int    `codec:"index"`
	Address string `codec:"address"`
}

// writeBondsJSON encodes addrs as a JSON array
func writeBondsJSON(w io.Writer, addrs []stack.Address) error {
	records := make([]bondRecord, 0, len(addrs))
	for i, addr := range addrs {
		records = append(records, bondRecord{Index: i, Address: addr.String()})
	}

	h := &codec.JsonHandle{}
	h.Indent = 2
	h.HTMLCharsAsIs = true
	if err := codec.NewEncoder(w, h).Encode(records); err != nil {
		return fmt.Errorf("failed to encode bonded devices: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// openBondStore opens the adapter and returns a bond store printing to w
func openBondStore(cmd *cobra.Command, w io.Writer) (*bond.Store, func() error, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := configureLogger(cmd, cfg, "")
	if err != nil {
		return nil, nil, err
	}
	cmd.SilenceUsage = true

	s, err := openStack(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return bond.NewStore(s, output.NewWriterSink(w), logger), s.Close, nil
}

func runBondsList(cmd *cobra.Command, _ []string) error {
	if bondsFormat != "text" && bondsFormat != "json" {
		return fmt.Errorf("invalid format %q (must be text or json)", bondsFormat)
	}

	w := cmd.OutOrStdout()
	sinkOut := w
	if bondsFormat == "json" {
		sinkOut = io.Discard
	}
	store, closeStack, err := openBondStore(cmd, sinkOut)
	if err != nil {
		return err
	}
	defer closeStack()

	addrs, err := store.List()
	if err != nil {
		return err
	}
	if bondsFormat == "json" {
		return writeBondsJSON(w, addrs)
	}
	return nil
}

func runBondsClear(cmd *cobra.Command, _ []string) error {
	store, closeStack, err := openBondStore(cmd, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeStack()

	n, err := store.ForgetAll()
	fmt.Fprintf(cmd.ErrOrStderr(), "Removed %d bonded devices\n", n)
	return err
}
