package main

import (
	"context"
	"fmt"
	"time"

	parse "github.com/parse-community/parse-sdk-go"
	"github.com/spf13/cobra"
)

func init() {
	getCmd.Flags().StringSliceVar(&getInclude, "include", nil, "pointer keys to include")
	rootCmd.AddCommand(getCmd, createCmd, updateCmd, deleteCmd)
}

var getInclude []string

// ============================================================================
// get
// ============================================================================

var getCmd = &cobra.Command{
	Use:   "get <class> <object-id>",
	Short: "Fetch an object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s := getClient(ctx)
		defer s.Close()

		obj := parse.NewObjectWithID(args[0], args[1])
		if err := s.client.FetchWithOptions(ctx, obj, getInclude, s.requestOptions()); err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
		return printJSON(obj)
	},
}

// ============================================================================
// create
// ============================================================================

var createCmd = &cobra.Command{
	Use:   "create <class> <json>",
	Short: "Create an object",
	Long:  "Create an object from a JSON document.\nExample: parse create GameScore '{\"points\":10}'",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseJSONArg(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s := getClient(ctx)
		defer s.Close()

		obj := parse.NewObject(args[0])
		if err := setFields(obj, fields); err != nil {
			return err
		}
		if err := s.client.Save(ctx, obj, s.requestOptions()...); err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		fmt.Printf("Created %s/%s at %s\n", obj.ClassName(), obj.ObjectID(), obj.CreatedAt().Format(time.RFC3339))
		return nil
	},
}

// ============================================================================
// update
// ============================================================================

var updateCmd = &cobra.Command{
	Use:   "update <class> <object-id> <json>",
	Short: "Update fields of an object",
	Long:  "Set the given fields of an object. A null value removes the field.\nExample: parse update GameScore yarr '{\"points\":11}'",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseJSONArg(args[2])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s := getClient(ctx)
		defer s.Close()

		obj := parse.NewObjectWithID(args[0], args[1])
		if err := setFields(obj, fields); err != nil {
			return err
		}
		if err := s.client.Save(ctx, obj, s.requestOptions()...); err != nil {
			return fmt.Errorf("update failed: %w", err)
		}
		fmt.Printf("Updated %s/%s at %s\n", obj.ClassName(), obj.ObjectID(), obj.UpdatedAt().Format(time.RFC3339))
		return nil
	},
}

// ============================================================================
// delete
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <class> <object-id>",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s := getClient(ctx)
		defer s.Close()

		obj := parse.NewObjectWithID(args[0], args[1])
		if err := s.client.Delete(ctx, obj, s.requestOptions()...); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted %s/%s\n", obj.ClassName(), obj.ObjectID())
		return nil
	},
}

func setFields(obj *parse.Object, fields map[string]any) error {
	for k, v := range fields {
		var err error
		if v == nil {
			err = obj.Unset(k)
		} else {
			err = obj.Set(k, v)
		}
		if err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
	}
	return nil
}
