package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"replybot/internal/api"
	"replybot/internal/cmdlog"
	"replybot/internal/config"
	"replybot/internal/cost"
	"replybot/internal/jobs"
	"replybot/internal/model"
	"replybot/internal/schedule"
	"replybot/internal/settings"
	"replybot/internal/theme"
	"replybot/internal/tone"
)

// --- init ---

var initCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a default config file",
	Annotations: map[string]string{"skipConfig": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmdlog.Run("init", func() error {
			if err := config.Save(cfgPath, config.Default()); err != nil {
				return err
			}
			abs, _ := filepath.Abs(cfgPath)
			theme.PrintBanner(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "Config written to:", abs)
			fmt.Fprintln(cmd.OutOrStdout(), "Set TOKEN_ENCRYPTION_KEY to a base64 32-byte key before running other commands.")
			return nil
		})
	},
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop and the ops HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return cmdlog.Run("serve", func() error { return serve(ctx, stop) })
	},
}

func serve(ctx context.Context, stop context.CancelFunc) error {
	return withApp(ctx, func(a *app) error {
		srv := api.NewServer(cfg.Metrics.Addr, a.db, nil)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		loopErr := make(chan error, 1)
		go func() { loopErr <- jobs.RunLoop(ctx, a.db, a.orchestrator(), cfg.Engagement) }()

		var err error
		select {
		case <-ctx.Done():
		case err = <-errCh:
			stop()
		}
		<-loopErr
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
		return err
	})
}

// --- run-once ---

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run the reply pipeline once for one account, or every due account",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetInt64("account")
		return cmdlog.Run("run_once", func() error {
			return withApp(cmd.Context(), func(a *app) error {
				out := cmd.OutOrStdout()
				if id == 0 {
					sum, err := jobs.RunDueOnce(cmd.Context(), a.db, a.orchestrator(), cfg.Engagement.Workers, time.Now())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "accounts=%d errors=%d outcomes=%v\n", sum.Accounts, sum.Errors, sum.Outcomes)
					return nil
				}
				res, err := a.orchestrator().Run(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "account=%d outcome=%s posted=%d drafted=%d failed=%d retried=%d duplicates=%d gated=%d\n",
					res.AccountID, res.Outcome, res.Posted, res.Drafted, res.Failed, res.Retried, res.Duplicates, res.Gated)
				return nil
			})
		})
	},
}

func init() {
	runOnceCmd.Flags().Int64("account", 0, "monitored account id (default: all due accounts)")
}

// --- tone ---

var toneCmd = &cobra.Command{
	Use:   "tone",
	Short: "Inspect and manage reply tones",
}

var tonePreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Draw tones for an account without replying",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetInt64("account")
		n, _ := cmd.Flags().GetInt("n")
		seed, _ := cmd.Flags().GetUint64("seed")
		return cmdlog.Run("tone_preview", func() error {
			return withApp(cmd.Context(), func(a *app) error {
				acc, err := a.db.GetAccount(cmd.Context(), id)
				if err != nil {
					return err
				}
				catalog, err := a.db.ListTones(cmd.Context(), acc.UserID)
				if err != nil {
					return err
				}
				var rng tone.Rand = rand.New(rand.NewPCG(seed, seed))
				if seed == 0 {
					rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
				}
				counts := map[string]int{}
				for _, c := range tone.Preview(acc, catalog, rng, n) {
					counts[c.ToneName]++
				}
				names := make([]string, 0, len(counts))
				for name := range counts {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "%-14s %5d  %5.1f%%\n", name, counts[name], 100*float64(counts[name])/float64(n))
				}
				return nil
			})
		})
	},
}

var toneAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a custom tone for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		color, _ := cmd.Flags().GetString("color")
		return cmdlog.Run("tone_add", func() error {
			return withApp(cmd.Context(), func(a *app) error {
				t, err := a.settings.AddTone(cmd.Context(), user, name, prompt, color)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tone %s (%s)\n", t.ID, t.Name)
				return nil
			})
		})
	},
}

var toneListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's tones",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		return withApp(cmd.Context(), func(a *app) error {
			tones, err := a.db.ListTones(cmd.Context(), user)
			if err != nil {
				return err
			}
			for _, t := range tones {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-14s %s\n", t.ID, t.Name, t.Prompt)
			}
			return nil
		})
	},
}

func init() {
	tonePreviewCmd.Flags().Int64("account", 0, "monitored account id")
	tonePreviewCmd.Flags().Int("n", 100, "number of draws")
	tonePreviewCmd.Flags().Uint64("seed", 0, "random seed for a reproducible preview")
	_ = tonePreviewCmd.MarkFlagRequired("account")
	toneAddCmd.Flags().String("user", "", "user id")
	toneAddCmd.Flags().String("name", "", "tone name")
	toneAddCmd.Flags().String("prompt", "", "generation instruction")
	toneAddCmd.Flags().String("color", "", "display color")
	toneListCmd.Flags().String("user", "", "user id")
	toneCmd.AddCommand(tonePreviewCmd, toneAddCmd, toneListCmd)
}

// --- cost ---

var costCmd = &cobra.Command{
	Use:         "cost",
	Short:       "Price a reply from token counts",
	Annotations: map[string]string{"skipConfig": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		modelID, _ := cmd.Flags().GetString("model")
		in, _ := cmd.Flags().GetInt64("input-tokens")
		outTok, _ := cmd.Flags().GetInt64("output-tokens")
		image, _ := cmd.Flags().GetBool("image")
		if modelID == "" {
			modelID = config.Default().LLM.Model
			if c, err := config.Load(cfgPath); err == nil {
				modelID = c.LLM.Model
			}
		}
		b := cost.Compute(in, outTok, image, modelID)
		w := cmd.OutOrStdout()
		if _, listed := cost.Lookup(modelID); !listed {
			fmt.Fprintf(w, "model %q not in the price table, using default pricing\n", modelID)
		}
		fmt.Fprintf(w, "text  $%s\nimage $%s\napi   $%s\ntotal $%s\n", b.Text.StringFixed(6), b.Image.StringFixed(6), b.API.StringFixed(6), b.Total.StringFixed(6))
		return nil
	},
}

func init() {
	costCmd.Flags().String("model", "", "model id (default: llm.model)")
	costCmd.Flags().Int64("input-tokens", 0, "prompt tokens")
	costCmd.Flags().Int64("output-tokens", 0, "completion tokens")
	costCmd.Flags().Bool("image", false, "an image was generated and attached")
}

// --- schedule ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage pause schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a pause window (HH:mm to HH:mm, may wrap midnight)",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		start, _ := cmd.Flags().GetString("start")
		end, _ := cmd.Flags().GetString("end")
		label, _ := cmd.Flags().GetString("label")
		return cmdlog.Run("schedule_add", func() error {
			return withApp(cmd.Context(), func(a *app) error {
				ps, err := a.settings.AddSchedule(cmd.Context(), user, start, end, label)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schedule %d: %s-%s %s\n", ps.ID, ps.StartTime, ps.EndTime, ps.Label)
				return nil
			})
		})
	},
}

var scheduleExceptCmd = &cobra.Command{
	Use:   "except",
	Short: "Skip a pause window on one date (YYYY-MM-DD)",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		id, _ := cmd.Flags().GetInt64("schedule")
		date, _ := cmd.Flags().GetString("date")
		return cmdlog.Run("schedule_except", func() error {
			return withApp(cmd.Context(), func(a *app) error {
				return a.settings.AddException(cmd.Context(), user, id, date)
			})
		})
	},
}

var scheduleTimezoneCmd = &cobra.Command{
	Use:   "timezone",
	Short: "Set the IANA time zone pause windows are evaluated in",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		tz, _ := cmd.Flags().GetString("tz")
		return cmdlog.Run("schedule_timezone", func() error {
			return withApp(cmd.Context(), func(a *app) error {
				return a.settings.SetTimezone(cmd.Context(), user, tz)
			})
		})
	},
}

var scheduleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether automation is paused now and when it resumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		return withApp(cmd.Context(), func(a *app) error {
			schedules, tz, err := a.db.ListSchedules(cmd.Context(), user)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			now := schedule.Local(time.Now(), tz)
			for _, s := range schedules {
				fmt.Fprintf(w, "%d  %s-%s enabled=%t %s exceptions=%v\n", s.ID, s.StartTime, s.EndTime, s.Enabled, s.Label, s.Exceptions)
			}
			active := schedule.Active(now, schedules)
			if active == nil {
				fmt.Fprintf(w, "not paused (%s)\n", now.Format("2006-01-02 15:04 MST"))
				return nil
			}
			fmt.Fprintf(w, "paused by schedule %d %s", active.ID, active.Label)
			if at, ok := schedule.NextResume(now, schedules); ok {
				fmt.Fprintf(w, ", resumes %s", at.Format("2006-01-02 15:04 MST"))
			}
			fmt.Fprintln(w)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{scheduleAddCmd, scheduleExceptCmd, scheduleTimezoneCmd, scheduleStatusCmd} {
		c.Flags().String("user", "", "user id")
		_ = c.MarkFlagRequired("user")
	}
	scheduleAddCmd.Flags().String("start", "", "window start, HH:mm")
	scheduleAddCmd.Flags().String("end", "", "window end, HH:mm")
	scheduleAddCmd.Flags().String("label", "", "label")
	scheduleExceptCmd.Flags().Int64("schedule", 0, "schedule id")
	scheduleExceptCmd.Flags().String("date", "", "date, YYYY-MM-DD")
	scheduleTimezoneCmd.Flags().String("tz", "", "IANA zone, e.g. Europe/Berlin")
	scheduleCmd.AddCommand(scheduleAddCmd, scheduleExceptCmd, scheduleTimezoneCmd, scheduleStatusCmd)
}

// --- account ---

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage monitored accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Watch an X account and reply to its posts",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		in := settings.AccountInput{}
		in.UserID, _ = f.GetString("user")
		in.XUserID, _ = f.GetString("x-user-id")
		in.Username, _ = f.GetString("username")
		in.Tone, _ = f.GetString("tone")
		in.ImageFrequency, _ = f.GetInt("image-frequency")
		in.AutoPost, _ = f.GetBool("auto-post")
		in.PollInterval, _ = f.GetInt("poll-interval")
		in.Temperature, _ = f.GetFloat64("temperature")
		weights, _ := f.GetString("weights")
		var err error
		if in.ToneWeights, err = parseWeights(weights); err != nil {
			return err
		}
		return cmdlog.Run("account_add", func() error {
			return withApp(cmd.Context(), func(a *app) error {
				acc, err := a.settings.AddAccount(cmd.Context(), in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %d watching %s (@%s)\n", acc.ID, acc.XUserID, acc.Username)
				return nil
			})
		})
	},
}

var accountEnableCmd = &cobra.Command{
	Use:   "enable <id> <true|false>",
	Short: "Enable or disable automation for an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid account id %q", args[0])
		}
		on, err := strconv.ParseBool(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			return a.db.SetAccountEnabled(cmd.Context(), id, on)
		})
	},
}

var accountRepliesCmd = &cobra.Command{
	Use:   "replies <id>",
	Short: "Show the most recent replies for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid account id %q", args[0])
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd.Context(), func(a *app) error {
			replies, err := a.db.ListReplies(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			for _, r := range replies {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-17s attempts=%d tone=%s cost=$%s  %s\n",
					r.SourcePostID, r.Status, r.Attempts, r.ToneName, r.TotalCost, oneLine(r.ReplyText, r.LastError))
			}
			return nil
		})
	},
}

func oneLine(text, lastErr string) string {
	if text == "" {
		text = lastErr
	}
	return strings.Join(strings.Fields(text), " ")
}

// parseWeights reads "toneID=weight,toneID=weight".
func parseWeights(s string) (map[string]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := map[string]float64{}
	for _, part := range strings.Split(s, ",") {
		id, w, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("weight %q: want toneID=weight", part)
		}
		v, err := strconv.ParseFloat(w, 64)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", part, err)
		}
		out[strings.TrimSpace(id)] = v
	}
	return out, nil
}

func init() {
	f := accountAddCmd.Flags()
	f.String("user", "", "user id")
	f.String("x-user-id", "", "platform id of the account to watch")
	f.String("username", "", "handle of the account to watch")
	f.String("tone", tone.Neutral, "default tone category")
	f.String("weights", "", "weighted tones, toneID=weight,...")
	f.Int("image-frequency", 0, "percent chance of attaching an image (0-100)")
	f.Bool("auto-post", true, "post replies; false keeps them as drafts")
	f.Int("poll-interval", 15, "minutes between polls")
	f.Float64("temperature", 0.7, "generation temperature (0.1-1.0)")
	accountRepliesCmd.Flags().Int("limit", 20, "rows to show")
	accountCmd.AddCommand(accountAddCmd, accountEnableCmd, accountRepliesCmd)
}

// --- connect ---

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Store OAuth tokens from a completed authorization for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		x := model.XAccount{}
		x.UserID, _ = f.GetString("user")
		x.XUserID, _ = f.GetString("x-user-id")
		x.Username, _ = f.GetString("username")
		x.AccessToken, _ = f.GetString("access-token")
		x.RefreshToken, _ = f.GetString("refresh-token")
		x.Premium, _ = f.GetBool("premium")
		expiresIn, _ := f.GetDuration("expires-in")
		if x.UserID == "" || x.AccessToken == "" || x.RefreshToken == "" {
			return errors.New("--user, --access-token and --refresh-token are required")
		}
		x.TokenExpiresAt = time.Now().Add(expiresIn)
		return cmdlog.Run("connect", func() error {
			return withApp(cmd.Context(), func(a *app) error {
				return a.tokens.Connect(cmd.Context(), x)
			})
		})
	},
}

func init() {
	f := connectCmd.Flags()
	f.String("user", "", "user id")
	f.String("x-user-id", "", "the user's own platform id")
	f.String("username", "", "the user's handle")
	f.String("access-token", "", "OAuth2 access token")
	f.String("refresh-token", "", "OAuth2 refresh token")
	f.Duration("expires-in", 2*time.Hour, "access token lifetime")
	f.Bool("premium", false, "account has the premium character limit")
}

// --- post ---

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Publish a composed post under the weekly allowance",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		text, _ := cmd.Flags().GetString("text")
		return cmdlog.Run("post", func() error {
			return withApp(cmd.Context(), func(a *app) error {
				id, err := a.publisher().Publish(cmd.Context(), user, text)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "posted", id)
				return nil
			})
		})
	},
}

func init() {
	postCmd.Flags().String("user", "", "user id")
	postCmd.Flags().String("text", "", "post text")
	_ = postCmd.MarkFlagRequired("user")
}

// --- prune ---

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply data retention to replies and usage counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmdlog.Run("prune", func() error {
			return withApp(cmd.Context(), func(a *app) error {
				res, err := jobs.Prune(cmd.Context(), a.db, cfg.Engagement, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned replies=%d usage_counters=%d\n", res.Replies, res.Usage)
				return nil
			})
		})
	},
}
