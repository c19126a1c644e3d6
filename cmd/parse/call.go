package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(callCmd)
}

var callCmd = &cobra.Command{
	Use:   "call <function> [json]",
	Short: "Run a cloud function",
	Long:  "Run a cloud function with optional JSON parameters and print its result.\nExample: parse call hello '{\"name\":\"world\"}'",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{}
		if len(args) == 2 {
			var err error
			if params, err = parseJSONArg(args[1]); err != nil {
				return err
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		s := getClient(ctx)
		defer s.Close()

		result, err := s.client.CallFunction(ctx, args[0], params, s.requestOptions()...)
		if err != nil {
			return fmt.Errorf("call failed: %w", err)
		}
		return printJSON(result)
	},
}
