package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	cl "treepot/internal/cli"
	"treepot/internal/config"
	"treepot/internal/game"
	"treepot/internal/syncq"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "tp",
		Short:        "Treepot ledger client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newSignupCmd(&apiBase),
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newMeCmd(&apiBase),
		newDepositCmd(&apiBase),
		newWithdrawCmd(&apiBase),
		newClaimCmd(&apiBase),
		newForgetCmd(&apiBase),
		newJournalCmd(&apiBase),
		newPresetCmd(&apiBase),
		newBranchCmd(&apiBase),
		newLevelCmd(&apiBase),
		newChannelCmd(&apiBase),
		newSyncCmd(&apiBase),
		newWatchCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func loadSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

func newSignupCmd(apiBase *string) *cobra.Command {
	var referrer string
	cmd := &cobra.Command{
		Use:   "signup [account]",
		Short: "Create an account under a referrer's sales channel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := stringFromArgOrPrompt(args, 0, "Account")
			if err != nil {
				return err
			}
			if err := game.ValidateAccount(account); err != nil {
				return err
			}
			secret, err := promptSecret("Secret")
			if err != nil {
				return err
			}
			confirm, err := promptSecret("Confirm secret")
			if err != nil {
				return err
			}
			if secret != confirm {
				return errors.New("secrets do not match")
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			session, err := newClient(apiBase).Signup(ctx, account, secret, referrer)
			if err != nil {
				return err
			}
			if err := cl.SaveSession(cl.SessionFromAuth(session, *apiBase)); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Signed up as %s. Session saved.", session.Account))
			return nil
		},
	}
	cmd.Flags().StringVar(&referrer, "referrer", "", "account whose sales channel you join")
	return cmd
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login [account]",
		Short: "Login to treepot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := stringFromArgOrPrompt(args, 0, "Account")
			if err != nil {
				return err
			}
			secret, err := promptSecret("Secret")
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			session, err := newClient(apiBase).Login(ctx, account, secret)
			if err != nil {
				return err
			}
			if err := cl.SaveSession(cl.SessionFromAuth(session, *apiBase)); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Logged in as %s until %s.", session.Account, session.ExpiresAt.Local().Format(time.RFC822)))
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newMeCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show your balances and game state",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			p, err := newClient(apiBase).Me(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderPlayer(p)
			return nil
		},
	}
}

func newDepositCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit [account] [amount]",
		Short: "Credit an account (house only)",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			account, err := stringFromArgOrPrompt(args, 0, "Account")
			if err != nil {
				return err
			}
			amount, err := amountFromArgOrPrompt(args, 1, "Amount")
			if err != nil {
				return err
			}
			q := syncq.Command{
				Method:         http.MethodPost,
				Path:           "/v1/players/" + account + "/deposit",
				Body:           map[string]any{"amount": amount},
				IdempotencyKey: uuid.NewString(),
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return queueOnNetworkError(newClient(apiBase).Deposit(ctx, sess.AccessToken, account, amount, q.IdempotencyKey)).
				then(q, func(p game.Player) {
					printSuccess(fmt.Sprintf("Deposited %s to %s. Active balance: %s", amount, p.Account, p.ActiveBalance))
				})
		},
	}
}

func newWithdrawCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw [amount]",
		Short: "Withdraw from your active balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			amount, err := amountFromArgOrPrompt(args, 0, "Amount")
			if err != nil {
				return err
			}
			q := syncq.Command{
				Method:         http.MethodPost,
				Path:           "/v1/me/withdraw",
				Body:           map[string]any{"amount": amount},
				IdempotencyKey: uuid.NewString(),
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return queueOnNetworkError(newClient(apiBase).Withdraw(ctx, sess.AccessToken, amount, q.IdempotencyKey)).
				then(q, func(p game.Player) {
					printSuccess(fmt.Sprintf("Withdrew %s. Active balance: %s", amount, p.ActiveBalance))
				})
		},
	}
}

func newClaimCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "claim",
		Short: "Move your vesting balance into your active balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			p, err := newClient(apiBase).ClaimVesting(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Vesting claimed. Active balance: %s", p.ActiveBalance))
			return nil
		},
	}
}

func newForgetCmd(apiBase *string) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Delete your account (balances must be empty)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			if !yes {
				answer, err := promptOptional(fmt.Sprintf("Type %s to confirm", sess.Account))
				if err != nil {
					return err
				}
				if answer != sess.Account {
					printWarn("Aborted.")
					return nil
				}
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := newClient(apiBase).Forget(ctx, sess.AccessToken); err != nil {
				return err
			}
			_ = cl.ClearSession()
			printSuccess(fmt.Sprintf("Account %s removed.", sess.Account))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func newJournalCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show your recent balance movements",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			rows, err := newClient(apiBase).Journal(ctx, sess.AccessToken, limit)
			if err != nil {
				return err
			}
			renderJournal(rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "entries to show")
	return cmd
}

func newPresetCmd(apiBase *string) *cobra.Command {
	preset := &cobra.Command{
		Use:   "preset",
		Short: "Manage game presets",
	}

	var p game.Preset
	var stakeMin, potMin, unjailMin string
	bindPresetFlags := func(cmd *cobra.Command) {
		f := cmd.Flags()
		f.StringVar(&p.Name, "name", "", "display name")
		f.StringVar(&p.URL, "url", "", "game url")
		f.IntVar(&p.LevelLength, "length", 10, "cells per level")
		f.IntVar(&p.LevelGreens, "greens", 3, "green cells per level")
		f.IntVar(&p.LevelReds, "reds", 3, "red cells per level")
		f.Int64Var(&p.UnjailRate, "unjail-rate", 10, "unjail rate percent")
		f.Int64Var(&p.UnjailIntervalSec, "unjail-interval", 3600, "unjail interval seconds")
		f.Int64Var(&p.TickRate, "tick-rate", 1, "tick rate percent")
		f.Int64Var(&p.TickIntervalSec, "tick-interval", 60, "tick interval seconds")
		f.Int64Var(&p.NextRate, "next-rate", 50, "next level rate percent")
		f.Int64Var(&p.SplitRate, "split-rate", 50, "pot split rate percent")
		f.Int64Var(&p.StakeRate, "stake-rate", 3, "stake rate percent")
		f.Int64Var(&p.SalesRate, "sales-rate", 5, "sales channel rate percent")
		f.Int64Var(&p.WinnerRate, "winner-rate", 10, "winner rate percent")
		f.StringVar(&stakeMin, "stake-min", "10", "minimum stake")
		f.StringVar(&potMin, "pot-min", "0", "minimum pot")
		f.StringVar(&unjailMin, "unjail-min", "0", "minimum unjail payment")
	}
	parseAmounts := func() error {
		var err error
		if p.StakeMin, err = game.ParseAmount(stakeMin); err != nil {
			return fmt.Errorf("stake-min: %w", err)
		}
		if p.PotMin, err = game.ParseAmount(potMin); err != nil {
			return fmt.Errorf("pot-min: %w", err)
		}
		if p.UnjailMin, err = game.ParseAmount(unjailMin); err != nil {
			return fmt.Errorf("unjail-min: %w", err)
		}
		return p.Validate()
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a preset",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			if err := parseAmounts(); err != nil {
				return err
			}
			body, err := toBody(p)
			if err != nil {
				return err
			}
			q := syncq.Command{Method: http.MethodPost, Path: "/v1/presets", Body: body, IdempotencyKey: uuid.NewString()}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return queueOnNetworkError(newClient(apiBase).CreatePreset(ctx, sess.AccessToken, p, q.IdempotencyKey)).
				then(q, func(id int64) {
					printSuccess(fmt.Sprintf("Preset %d created.", id))
				})
		},
	}
	bindPresetFlags(create)

	update := &cobra.Command{
		Use:   "update [id]",
		Short: "Replace a preset you own",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			id, err := int64FromArgOrPrompt(args, 0, "Preset ID")
			if err != nil {
				return err
			}
			if err := parseAmounts(); err != nil {
				return err
			}
			p.ID = id
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := newClient(apiBase).UpdatePreset(ctx, sess.AccessToken, p); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Preset %d updated.", id))
			return nil
		},
	}
	bindPresetFlags(update)

	preset.AddCommand(create, update,
		&cobra.Command{
			Use:   "show [id]",
			Short: "Show a preset",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "Preset ID")
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).Preset(ctx, sess.AccessToken, id)
				if err != nil {
					return err
				}
				renderPreset(out)
				return nil
			},
		},
		&cobra.Command{
			Use:   "rm [id]",
			Short: "Remove an unused preset you own",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "Preset ID")
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				if err := newClient(apiBase).RemovePreset(ctx, sess.AccessToken, id); err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Preset %d removed.", id))
				return nil
			},
		},
	)
	return preset
}

func newBranchCmd(apiBase *string) *cobra.Command {
	branch := &cobra.Command{
		Use:   "branch",
		Short: "Create, stake in and inspect branches",
	}

	branch.AddCommand(
		&cobra.Command{
			Use:   "create [preset-id] [pot]",
			Short: "Open a root branch funded from your active balance",
			Args:  cobra.MaximumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				presetID, err := int64FromArgOrPrompt(args, 0, "Preset ID")
				if err != nil {
					return err
				}
				pot, err := amountFromArgOrPrompt(args, 1, "Pot")
				if err != nil {
					return err
				}
				q := syncq.Command{
					Method:         http.MethodPost,
					Path:           "/v1/branches",
					Body:           map[string]any{"preset_id": presetID, "pot": pot},
					IdempotencyKey: uuid.NewString(),
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				return queueOnNetworkError(newClient(apiBase).CreateBranch(ctx, sess.AccessToken, presetID, pot, q.IdempotencyKey)).
					then(q, func(id int64) {
						printSuccess(fmt.Sprintf("Branch %d created with pot %s.", id, pot))
					})
			},
		},
		&cobra.Command{
			Use:   "child [parent-id] [pot]",
			Short: "Open a child branch under a parent",
			Args:  cobra.MaximumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				parentID, err := int64FromArgOrPrompt(args, 0, "Parent branch ID")
				if err != nil {
					return err
				}
				pot, err := amountFromArgOrPrompt(args, 1, "Pot")
				if err != nil {
					return err
				}
				q := syncq.Command{
					Method:         http.MethodPost,
					Path:           fmt.Sprintf("/v1/branches/%d/children", parentID),
					Body:           map[string]any{"pot": pot},
					IdempotencyKey: uuid.NewString(),
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				return queueOnNetworkError(newClient(apiBase).CreateChild(ctx, sess.AccessToken, parentID, pot, q.IdempotencyKey)).
					then(q, func(id int64) {
						printSuccess(fmt.Sprintf("Child branch %d created under %d.", id, parentID))
					})
			},
		},
		&cobra.Command{
			Use:   "stake [branch-id] [amount]",
			Short: "Add stake to a branch",
			Args:  cobra.MaximumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "Branch ID")
				if err != nil {
					return err
				}
				amount, err := amountFromArgOrPrompt(args, 1, "Amount")
				if err != nil {
					return err
				}
				q := syncq.Command{
					Method:         http.MethodPost,
					Path:           fmt.Sprintf("/v1/branches/%d/stakes", id),
					Body:           map[string]any{"amount": amount},
					IdempotencyKey: uuid.NewString(),
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				return queueOnNetworkError(newClient(apiBase).AddStake(ctx, sess.AccessToken, id, amount, q.IdempotencyKey)).
					then(q, func(v game.StakeView) {
						printSuccess(fmt.Sprintf("Staked %s in branch %d. You own %s of %s.", amount, id, v.Owned, v.Total))
					})
			},
		},
		&cobra.Command{
			Use:   "show [branch-id]",
			Short: "Show a branch with its stakes and children",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "Branch ID")
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).Branch(ctx, sess.AccessToken, id)
				if err != nil {
					return err
				}
				renderBranch(out)
				return nil
			},
		},
		&cobra.Command{
			Use:   "stakes [branch-id]",
			Short: "Show each stakeholder's share of the branch residual",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "Branch ID")
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				rows, err := newClient(apiBase).BranchStakes(ctx, sess.AccessToken, id)
				if err != nil {
					return err
				}
				renderStakes(rows)
				return nil
			},
		},
		&cobra.Command{
			Use:   "level [branch-id]",
			Short: "Open the root level of a branch you hold stake in",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "Branch ID")
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				levelID, err := newClient(apiBase).CreateRootLevel(ctx, sess.AccessToken, id)
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Level %d opened for branch %d.", levelID, id))
				return nil
			},
		},
		&cobra.Command{
			Use:   "switch [branch-id]",
			Short: "Move your game position to a branch",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "Branch ID")
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				p, err := newClient(apiBase).SwitchBranch(ctx, sess.AccessToken, id)
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Now playing level %d of branch %d.", p.LevelID, id))
				return nil
			},
		},
		&cobra.Command{
			Use:   "revenue [branch-id] [amount]",
			Short: "Record revenue for a branch (house only)",
			Args:  cobra.MaximumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "Branch ID")
				if err != nil {
					return err
				}
				amount, err := amountFromArgOrPrompt(args, 1, "Amount")
				if err != nil {
					return err
				}
				q := syncq.Command{
					Method:         http.MethodPost,
					Path:           fmt.Sprintf("/v1/branches/%d/revenue", id),
					Body:           map[string]any{"amount": amount},
					IdempotencyKey: uuid.NewString(),
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				err = newClient(apiBase).DeferRevenue(ctx, sess.AccessToken, id, amount, q.IdempotencyKey)
				return queueOnNetworkError(struct{}{}, err).then(q, func(struct{}) {
					printSuccess(fmt.Sprintf("Recorded %s revenue on branch %d.", amount, id))
				})
			},
		},
		&cobra.Command{
			Use:   "revshare [branch-id]",
			Short: "Allocate pending revenue of a branch to its parent and winner",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "Branch ID")
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				a, err := newClient(apiBase).Allocate(ctx, sess.AccessToken, id)
				if err != nil {
					return err
				}
				accent.Printf("\nBranch %d allocated\n", a.BranchID)
				if a.ParentID != 0 {
					fmt.Printf("Parent %d:  +%s\n", a.ParentID, a.ParentDelta)
				}
				if a.Winner != "" {
					fmt.Printf("Winner %s:  +%s\n", a.Winner, a.WinnerDelta)
				}
				fmt.Printf("Residual:   %s\n\n", a.Residual)
				return nil
			},
		},
		&cobra.Command{
			Use:   "winner [branch-id] [account]",
			Short: "Set the winner of a branch (house only)",
			Args:  cobra.MaximumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "Branch ID")
				if err != nil {
					return err
				}
				winner, err := stringFromArgOrPrompt(args, 1, "Winner account")
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				if err := newClient(apiBase).SetWinner(ctx, sess.AccessToken, id, winner); err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Winner of branch %d set to %s.", id, winner))
				return nil
			},
		},
		&cobra.Command{
			Use:   "rm [branch-id]",
			Short: "Remove a childless branch (house only)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "Branch ID")
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				if err := newClient(apiBase).RemoveBranch(ctx, sess.AccessToken, id); err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Branch %d removed.", id))
				return nil
			},
		},
	)
	return branch
}

func newLevelCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "level [level-id]",
		Short: "Show a level",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			id, err := int64FromArgOrPrompt(args, 0, "Level ID")
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			l, err := newClient(apiBase).Level(ctx, sess.AccessToken, id)
			if err != nil {
				return err
			}
			accent.Printf("\n== Level %d ==\n", l.ID)
			fmt.Printf("Branch:  %d\n", l.BranchID)
			fmt.Printf("Owner:   %s\n", l.Owner)
			fmt.Printf("Preset:  %d\n", l.PresetID)
			if l.ParentLevelID != 0 {
				fmt.Printf("Parent:  %d\n", l.ParentLevelID)
			}
			fmt.Printf("Pot:     %s\n\n", l.Pot)
			return nil
		},
	}
}

func newChannelCmd(apiBase *string) *cobra.Command {
	channel := &cobra.Command{
		Use:   "channel [owner]",
		Short: "Show a sales channel (yours by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			owner := ""
			if len(args) > 0 {
				owner = args[0]
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			c, err := newClient(apiBase).Channel(ctx, sess.AccessToken, owner)
			if err != nil {
				return err
			}
			accent.Printf("\n== Channel %s ==\n", c.Owner)
			fmt.Printf("Height:   %d\n", c.Height)
			fmt.Printf("Balance:  %s\n\n", c.Balance)
			return nil
		},
	}
	channel.AddCommand(
		&cobra.Command{
			Use:   "merge",
			Short: "Move your channel balance into your active balance",
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				merged, err := newClient(apiBase).MergeChannel(ctx, sess.AccessToken)
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Merged %s into your active balance.", merged))
				return nil
			},
		},
		&cobra.Command{
			Use:   "revenue [owner] [amount]",
			Short: "Credit sales revenue to a channel (house only)",
			Args:  cobra.MaximumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				owner, err := stringFromArgOrPrompt(args, 0, "Channel owner")
				if err != nil {
					return err
				}
				amount, err := amountFromArgOrPrompt(args, 1, "Amount")
				if err != nil {
					return err
				}
				q := syncq.Command{
					Method:         http.MethodPost,
					Path:           "/v1/channels/" + owner + "/revenue",
					Body:           map[string]any{"amount": amount},
					IdempotencyKey: uuid.NewString(),
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				return queueOnNetworkError(newClient(apiBase).AddChannelRevenue(ctx, sess.AccessToken, owner, amount, q.IdempotencyKey)).
					then(q, func(c game.Channel) {
						printSuccess(fmt.Sprintf("Channel %s balance: %s", c.Owner, c.Balance))
					})
			},
		},
	)
	return channel
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay locally queued offline writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			queue, err := openQueue()
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			sent, failed, err := queue.Replay(func(q syncq.Command) error {
				_, err := client.Do(ctx, q.Method, q.Path, sess.AccessToken, q.Body, q.IdempotencyKey)
				return err
			}, cl.Retryable)
			for _, f := range failed {
				printError(fmt.Sprintf("Sync failed for %s %s: %s", f.Method, f.Path, f.LastError))
			}
			if err != nil {
				return err
			}
			if sent == 0 && len(failed) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d failed=%d", sent, len(failed)))
			return nil
		},
	}
}

func openQueue() (*syncq.Queue, error) {
	dir, err := cl.BaseDir()
	if err != nil {
		return nil, err
	}
	return syncq.Open(dir)
}

// queued carries a call result until then decides between printing it and
// parking the request in the offline queue.
type queued[T any] struct {
	out T
	err error
}

func queueOnNetworkError[T any](out T, err error) queued[T] {
	return queued[T]{out: out, err: err}
}

func (q queued[T]) then(cmd syncq.Command, onSuccess func(T)) error {
	if q.err == nil {
		onSuccess(q.out)
		return nil
	}
	var apiErr *cl.APIError
	if errors.As(q.err, &apiErr) || errors.Is(q.err, context.Canceled) {
		return q.err
	}
	queue, err := openQueue()
	if err != nil {
		return fmt.Errorf("request failed and could not be queued: %w", q.err)
	}
	if err := queue.Push(cmd); err != nil {
		return fmt.Errorf("request failed and could not be queued: %w", q.err)
	}
	printWarn(fmt.Sprintf("API unreachable (%v). Queued %s %s; run `tp sync` later.", q.err, cmd.Method, cmd.Path))
	return nil
}

func toBody(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
