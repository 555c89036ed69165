package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftgate/driftgate/internal/applier"
	"github.com/driftgate/driftgate/internal/config"
	"github.com/driftgate/driftgate/internal/governance"
	"github.com/driftgate/driftgate/pkg/models"
)

var governCmd = &cobra.Command{
	Use:   "govern",
	Short: "Drive the governed proposal workflow",
}

var (
	governProposalPath string

	reviewReviewer string
	reviewDecision string
	reviewReason   string

	listState string
	listKind  string
	listLimit int

	receiptsLimit int
)

func newGate() (*governance.Gate, func(), error) {
	cfg := config.Load()
	st, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	policy, err := governance.NewPolicyProvider(cfg.Policy.Path)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return governance.NewGate(st, policy), func() { st.Close() }, nil
}

var governSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a proposal JSON document to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(governProposalPath)
		if err != nil {
			return fmt.Errorf("read proposal %s: %w", governProposalPath, err)
		}
		var p models.Proposal
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("parse proposal %s: %w", governProposalPath, err)
		}

		gate, closeStore, err := newGate()
		if err != nil {
			return err
		}
		defer closeStore()

		queued, err := gate.Submit(context.Background(), &p)
		if err != nil {
			return err
		}
		return writeJSON("", queued)
	},
}

var governReviewCmd = &cobra.Command{
	Use:   "review <proposal-id>",
	Short: "Record one reviewer decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, closeStore, err := newGate()
		if err != nil {
			return err
		}
		defer closeStore()

		p, err := gate.Review(context.Background(), args[0], reviewReviewer,
			models.ReviewDecision(reviewDecision), reviewReason)
		if err != nil {
			return err
		}
		return writeJSON("", p)
	},
}

var governListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals in the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, closeStore, err := newGate()
		if err != nil {
			return err
		}
		defer closeStore()

		proposals, err := gate.List(context.Background(), models.ProposalFilter{
			State: models.ProposalState(listState),
			Kind:  models.ProposalKind(listKind),
			Limit: listLimit,
		})
		if err != nil {
			return err
		}
		return writeJSON("", proposals)
	},
}

var governApplyCmd = &cobra.Command{
	Use:   "apply <proposal-id>",
	Short: "Apply an approved proposal through the sandboxed applier",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		backupDir := cfg.Store.DataDir
		if backupDir == "" {
			backupDir = os.TempDir()
		}
		app := applier.NewApplier(st, backupDir+"/backups", "driftgate-cli")

		receipt, err := app.Apply(context.Background(), args[0])
		if receipt != nil {
			writeJSON("", receipt)
		}
		return err
	},
	Args: cobra.ExactArgs(1),
}

var receiptsCmd = &cobra.Command{
	Use:   "receipts [receipt-id]",
	Short: "Show recent receipts, or one receipt with verification",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 1 {
			receipt, err := st.GetReceipt(context.Background(), args[0])
			if err != nil {
				return err
			}
			verified, err := receipt.Verify()
			if err != nil {
				return err
			}
			return writeJSON("", map[string]any{"receipt": receipt, "verified": verified})
		}

		receipts, err := st.RecentReceipts(context.Background(), receiptsLimit)
		if err != nil {
			return err
		}
		return writeJSON("", receipts)
	},
}

func init() {
	governSubmitCmd.Flags().StringVar(&governProposalPath, "proposal", "", "proposal JSON file")
	governSubmitCmd.MarkFlagRequired("proposal")

	governReviewCmd.Flags().StringVar(&reviewReviewer, "reviewer", "", "reviewer id from the policy document")
	governReviewCmd.Flags().StringVar(&reviewDecision, "decision", "", "approve or reject")
	governReviewCmd.Flags().StringVar(&reviewReason, "reason", "", "review reason")
	governReviewCmd.MarkFlagRequired("reviewer")
	governReviewCmd.MarkFlagRequired("decision")

	governListCmd.Flags().StringVar(&listState, "state", "", "filter by lifecycle state")
	governListCmd.Flags().StringVar(&listKind, "kind", "", "filter by proposal kind")
	governListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum proposals to return")

	receiptsCmd.Flags().IntVar(&receiptsLimit, "limit", 20, "how many recent receipts to show")

	governCmd.AddCommand(governSubmitCmd)
	governCmd.AddCommand(governReviewCmd)
	governCmd.AddCommand(governListCmd)
	governCmd.AddCommand(governApplyCmd)
}
