package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change daemon configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all config values",
	RunE:  runConfigList,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a config value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

func init() {
	configCmd.AddCommand(configListCmd, configSetCmd)
}

func runConfigList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/config")
	if err != nil {
		return err
	}

	var all map[string]string
	if err := json.Unmarshal(resp, &all); err != nil {
		return err
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, all[k])
	}
	return w.Flush()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	body := map[string]string{"key": args[0], "value": args[1]}
	if _, err := apiSend("PUT", "/config", body); err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", args[0], args[1])
	return nil
}
