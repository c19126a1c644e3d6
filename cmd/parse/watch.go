package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	parse "github.com/parse-community/parse-sdk-go"
	"github.com/spf13/cobra"
)

func init() {
	watchCmd.Flags().StringSliceVar(&watchKeys, "keys", nil, "only report these keys")
	rootCmd.AddCommand(watchCmd)
}

var watchKeys []string

var watchCmd = &cobra.Command{
	Use:   "watch <class> [where-json]",
	Short: "Print live query events until interrupted",
	Long:  "Subscribe to a class over the live query server and print every event.\nExample: parse watch GameScore '{\"points\":{\"$gt\":10}}'",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		where := map[string]any{}
		if len(args) == 2 {
			var err error
			if where, err = parseJSONArg(args[1]); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		s := getClient(ctx)
		defer s.Close()

		lq := s.client.LiveQuery()
		defer lq.Close()
		lq.OnOpen(func(clientID string) { fmt.Printf("connected (client %s)\n", clientID) })
		lq.OnClose(func() { fmt.Println("connection lost") })
		lq.OnError(func(err error) { fmt.Fprintf(os.Stderr, "error: %v\n", err) })

		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := lq.Open(openCtx, true); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		sub, err := lq.Subscribe(ctx, parse.Query{ClassName: args[0], Where: where, Keys: watchKeys})
		if err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
		sub.OnCreate(func(o *parse.Object) { printEvent("create", o) })
		sub.OnUpdate(func(o, _ *parse.Object) { printEvent("update", o) })
		sub.OnDelete(func(o *parse.Object) { printEvent("delete", o) })
		sub.OnEnter(func(o, _ *parse.Object) { printEvent("enter", o) })
		sub.OnLeave(func(o, _ *parse.Object) { printEvent("leave", o) })
		sub.OnError(func(err error) { fmt.Fprintf(os.Stderr, "subscription error: %v\n", err) })

		if err := sub.Subscribed(openCtx); err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
		fmt.Printf("watching %s, press Ctrl-C to stop\n", args[0])

		<-ctx.Done()
		return nil
	},
}

func printEvent(op string, o *parse.Object) {
	if o == nil {
		fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), op)
		return
	}
	fmt.Printf("%s %s/%s\n", time.Now().Format(time.TimeOnly), op, o.ObjectID())
	printJSON(o)
}
