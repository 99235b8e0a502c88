package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"shop-monitor-backend/internal/model"
)

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage hardware nodes",
	}

	var (
		name     string
		nodeType string
	)
	add := &cobra.Command{
		Use:   "add NODE_ID SECRET",
		Short: "Register a node, or reset its secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gormDB, err := openDB(cfg)
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(args[1]), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("failed to hash node secret: %w", err)
			}

			node := model.Node{Identifier: args[0]}
			err = gormDB.Where("node_id = ?", args[0]).
				Attrs(model.Node{Name: name, NodeType: nodeType}).
				FirstOrCreate(&node).Error
			if err != nil {
				return fmt.Errorf("failed to save node %s: %w", args[0], err)
			}
			if err := gormDB.Model(&node).Update("secret_hash", string(hash)).Error; err != nil {
				return fmt.Errorf("failed to store secret for node %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "node %s ready (id %d)\n", node.Identifier, node.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&nodeType, "type", "machine_monitor", "node type (machine_monitor, office_reader, accessory_io)")

	cmd.AddCommand(add)
	return cmd
}
