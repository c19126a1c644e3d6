package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username> <password>",
	Short: "Log in and remember the session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s := getClient(ctx)
		defer s.Close()

		user, err := s.client.LogIn(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		s.cfg.Auth.SessionToken = user.SessionToken()
		s.cfg.Auth.Username = user.Username()
		s.cfg.Auth.UserID = user.ObjectID()
		if err := saveConfig(s.cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", user.Username(), user.ObjectID())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the session and forget the user",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s := getClient(ctx)
		defer s.Close()

		logoutErr := s.client.LogOut(ctx)
		s.cfg.Auth = ConfigAuth{}
		if err := saveConfig(s.cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		if logoutErr != nil {
			fmt.Printf("Session forgotten locally; server logout failed: %v\n", logoutErr)
			return nil
		}
		fmt.Println("Logged out")
		return nil
	},
}
