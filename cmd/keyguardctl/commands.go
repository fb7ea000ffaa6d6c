package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"keyguard/internal/features"
	"keyguard/internal/ipc"
	"keyguard/internal/model"
	"keyguard/internal/service"
)

// =============================================================================
// Daemon
// =============================================================================

func (c *cli) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()
			start := time.Now()
			if err := client.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "keyguardd %s is running (latency %s)\n",
				client.ServerVersion(), time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show collection, model and detection state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(c, cmd, "get_status", nil, printStatus)
		},
	}
}

func (c *cli) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show counts of users, models, alerts and jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(c, cmd, "summary", nil, printSummary)
		},
	}
}

// =============================================================================
// Enrollment
// =============================================================================

func (c *cli) collectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Start or stop enrollment data collection",
	}
	var modelType string
	start := &cobra.Command{
		Use:   "start <username>",
		Short: "Collect keystrokes for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(c, cmd, "start_collection",
				map[string]string{"username": args[0], "model_type": modelType},
				printProgress)
		},
	}
	start.Flags().StringVarP(&modelType, "type", "t", string(model.FreeText), "model type: free-text or fixed-text")
	cmd.AddCommand(start, &cobra.Command{
		Use:   "stop",
		Short: "Stop the running collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(c, cmd, "stop_collection", nil, printProgress)
		},
	})
	return cmd
}

func (c *cli) switchUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switch-user",
		Short: "Enroll another user on this machine",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "start <username>",
			Short: "Pause monitoring and collect for a new user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(c, cmd, "start_switch_user", map[string]string{"username": args[0]}, printProgress)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "End switch-user collection",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(c, cmd, "stop_switch_user", nil, printProgress)
			},
		},
	)
	return cmd
}

// =============================================================================
// Models
// =============================================================================

func (c *cli) trainCmd() *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "train <model-type> <username>",
		Short: "Submit a training job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			req := map[string]any{"model_type": args[0], "username": args[1]}
			if len(p) > 0 {
				req["parameters"] = p
			}
			return run(c, cmd, "train", req, printJob)
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "classifier parameter as key=value (repeatable)")
	return cmd
}

func (c *cli) predictCmd() *cobra.Command {
	var modelType, username string
	cmd := &cobra.Command{
		Use:   "predict <keystrokes.csv>",
		Short: "Score recorded keystrokes against a model",
		Long: `Score a keystroke CSV in the capture format against the active model,
or against --type and --user. Detection state is not affected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			events, err := features.ReadEvents(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			return run(c, cmd, "predict", map[string]any{
				"model_type": modelType,
				"username":   username,
				"events":     events,
			}, printPrediction)
		},
	}
	cmd.Flags().StringVarP(&modelType, "type", "t", "", "model type (default: active model)")
	cmd.Flags().StringVarP(&username, "user", "u", "", "model owner for binary models")
	return cmd
}

func (c *cli) activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <model-type> [username]",
		Short: "Switch the active detection model",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{"model_type": args[0]}
			if len(args) == 2 {
				req["username"] = args[1]
			}
			return run[model.ActiveModel](c, cmd, "switch_active", req, nil)
		},
	}
}

func (c *cli) modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List trained models and ensemble members",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(c, cmd, "list_models", nil, printModels)
		},
	}
}

// =============================================================================
// Alerts
// =============================================================================

func (c *cli) alertsCmd() *cobra.Command {
	var (
		page, limit int
		filter      string
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List anomaly alerts, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(c, cmd, "list_alerts",
				map[string]any{"page": page, "limit": limit, "filter": filter}, printAlerts)
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "alerts per page")
	cmd.Flags().StringVar(&filter, "filter", "", "FREE, FIXED or MULTI")
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(c, cmd, "get_alert", map[string]string{"id": args[0]}, printAlert)
		},
	})
	return cmd
}

// =============================================================================
// Schedules
// =============================================================================

func (c *cli) schedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage periodic retraining",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(c, cmd, "list_schedules", nil, printSchedules)
		},
	}

	var (
		every, newEvery string
		params          []string
		enable, disable bool
	)
	create := &cobra.Command{
		Use:   "create <model-type> <username>",
		Short: "Schedule a recurring training job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := scheduleRequest(every, params)
			if err != nil {
				return err
			}
			req["model_type"] = args[0]
			req["username"] = args[1]
			return run(c, cmd, "create_schedule", req, printSchedule)
		},
	}
	create.Flags().StringVar(&every, "every", "daily", "hourly, daily, weekly, monthly or a duration like 90m")
	create.Flags().StringArrayVarP(&params, "param", "p", nil, "classifier parameter as key=value (repeatable)")

	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return fmt.Errorf("--enable and --disable are exclusive")
			}
			req, err := scheduleRequest(newEvery, params)
			if err != nil {
				return err
			}
			req["id"] = args[0]
			switch {
			case enable:
				req["active"] = true
			case disable:
				req["active"] = false
			}
			return run(c, cmd, "update_schedule", req, printSchedule)
		},
	}
	update.Flags().StringVar(&newEvery, "every", "", "new interval")
	update.Flags().StringArrayVarP(&params, "param", "p", nil, "classifier parameter as key=value (repeatable)")
	update.Flags().BoolVar(&enable, "enable", false, "activate the schedule")
	update.Flags().BoolVar(&disable, "disable", false, "pause the schedule")

	cmd.AddCommand(create, update, &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run[any](c, cmd, "delete_schedule", map[string]string{"id": args[0]}, nil)
		},
	})
	return cmd
}

// scheduleRequest turns --every and --param into schedule fields.
func scheduleRequest(every string, params []string) (map[string]any, error) {
	req := map[string]any{}
	switch every {
	case "":
	case string(model.Hourly), string(model.Daily), string(model.Weekly), string(model.Monthly):
		req["interval_kind"] = every
	default:
		d, err := time.ParseDuration(every)
		if err != nil || d < time.Minute {
			return nil, fmt.Errorf("interval %q: want a named period or a duration of at least 1m", every)
		}
		req["interval_kind"] = string(model.Custom)
		req["custom_interval_minutes"] = int(d / time.Minute)
	}
	p, err := parseParams(params)
	if err != nil {
		return nil, err
	}
	if len(p) > 0 {
		req["parameters"] = p
	}
	return req, nil
}

// parseParams reads key=value pairs. Numbers and booleans keep their type.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q: want key=value", kv)
		}
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = i
		} else if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out, nil
}

// =============================================================================
// Users, jobs and files
// =============================================================================

func (c *cli) usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List user profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(c, cmd, "list_users", nil, printUsers)
		},
	}
}

func (c *cli) jobsCmd() *cobra.Command {
	var (
		status, modelType, username string
		limit                       int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List training jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(c, cmd, "list_jobs", map[string]any{
				"status": status, "model_type": modelType, "username": username, "limit": limit,
			}, printJobs)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, in_progress, completed or failed")
	cmd.Flags().StringVarP(&modelType, "type", "t", "", "model type")
	cmd.Flags().StringVarP(&username, "user", "u", "", "username")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs")
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(c, cmd, "get_job", map[string]string{"id": args[0]}, printJob)
		},
	})
	return cmd
}

func (c *cli) filesCmd() *cobra.Command {
	var modelType, username string
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List model artifacts and capture files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(c, cmd, "list_files",
				map[string]string{"username": username, "model_type": modelType}, printFiles)
		},
	}
	cmd.Flags().StringVarP(&modelType, "type", "t", "", "model type")
	cmd.Flags().StringVarP(&username, "user", "u", "", "username")
	return cmd
}

// =============================================================================
// Detection
// =============================================================================

func (c *cli) detectionCmd() *cobra.Command {
	var (
		enable, disable bool
		threshold       int
	)
	cmd := &cobra.Command{
		Use:   "detection",
		Short: "Toggle detection or change its window threshold",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if enable && disable {
				return fmt.Errorf("--enable and --disable are exclusive")
			}
			req := map[string]any{}
			switch {
			case enable:
				req["enabled"] = true
			case disable:
				req["enabled"] = false
			}
			if cmd.Flags().Changed("threshold") {
				req["threshold"] = threshold
			}
			if len(req) == 0 {
				return run(c, cmd, "get_status", nil, func(w io.Writer, s service.Status) {
					printDetection(w, s.Detection)
				})
			}
			return run(c, cmd, "set_detection", req, printDetection)
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "enable detection")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable detection")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "buffered events per detection cycle (5-100)")
	return cmd
}

// =============================================================================
// Events and raw calls
// =============================================================================

func (c *cli) watchCmd() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream alerts and phase changes until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var events []ipc.EventType
			for _, n := range names {
				e, ok := ipc.ParseEventType(n)
				if !ok {
					return fmt.Errorf("unknown event %q", n)
				}
				events = append(events, e)
			}
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()
			fmt.Fprintln(os.Stderr, "watching events, press Ctrl+C to stop")
			return client.Subscribe(cmd.Context(), events, func(ev *ipc.Event) {
				if c.asJSON {
					printJSON(c.out, ev.Data)
					return
				}
				printEvent(c.out, ev)
			})
		},
	}
	cmd.Flags().StringSliceVar(&names, "events", nil, "alert, phase_changed, daemon_shutdown (default: all)")
	return cmd
}

func (c *cli) callCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "call <verb> [json-args]",
		Short:  "Send a raw request and print the payload",
		Args:   cobra.RangeArgs(1, 2),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req any
			if len(args) == 2 {
				req = rawArgs(args[1])
			}
			resp, err := c.call(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if resp.Message != "" {
				fmt.Fprintln(os.Stderr, resp.Message)
			}
			return printJSON(c.out, resp.Data)
		},
	}
}

// rawArgs passes a JSON literal through without re-encoding.
type rawArgs string

func (r rawArgs) MarshalJSON() ([]byte, error) { return []byte(r), nil }
