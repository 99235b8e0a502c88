package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"shop-monitor-backend/internal/devicetoken"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage device API tokens",
	}

	var (
		nodeID    string
		machineID int64
		ttlDays   int
		scopes    []string
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := openTokens(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			req := devicetoken.IssueRequest{
				NodeID: nodeID,
				TTL:    time.Duration(ttlDays) * 24 * time.Hour,
				Scopes: scopes,
			}
			if machineID > 0 {
				req.MachineID = &machineID
			}
			token, meta, err := svc.Issue(req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "token %s expires %s\n", meta.TokenID, meta.Expires.Format(time.RFC3339))
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&nodeID, "node", "", "node identifier the token belongs to")
	issue.Flags().Int64Var(&machineID, "machine", 0, "bind the token to a machine id")
	issue.Flags().IntVar(&ttlDays, "ttl-days", 0, "lifetime in days (default from config)")
	issue.Flags().StringSliceVar(&scopes, "scope", []string{devicetoken.ScopeBasic}, "scopes to grant")

	revoke := &cobra.Command{
		Use:   "revoke TOKEN_ID",
		Short: "Revoke a token by id while the server is stopped",
		Long: `Revoke a token by id directly in the token store file.

The running server holds the store's file lock, so this only works while
serve is stopped. Against a live server use
DELETE /api/admin/tokens/:token_id with an admin token instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := openTokens(cfg)
			if errors.Is(err, devicetoken.ErrStoreBusy) {
				return fmt.Errorf("%w; stop serve or call DELETE /api/admin/tokens/%s", err, args[0])
			}
			if err != nil {
				return err
			}
			defer svc.Close()

			found, err := svc.RevokeID(args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("token %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := openTokens(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNODE\tSCOPES\tEXPIRES\tREVOKED")
			for _, m := range svc.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", m.TokenID, m.NodeID, strings.Join(m.Scopes, ","), m.Expires.Format(time.RFC3339), m.Revoked)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(issue, revoke, list)
	return cmd
}
