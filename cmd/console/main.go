package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"metricsconsole/internal/access"
	"metricsconsole/internal/alarms"
	"metricsconsole/internal/app"
	"metricsconsole/internal/config"
	"metricsconsole/internal/failure"
	"metricsconsole/internal/models"
)

var (
	rootCmd = &cobra.Command{
		Use:           "console",
		Short:         "Metrics console for the alarm backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the console views over HTTP and websocket",
		RunE:  runServe,
	}
	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Log in; the password is read from stdin",
		RunE:  runLogin,
	}
	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE:  runLogout,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		RunE:  runStatus,
	}
	alarmsCmd = &cobra.Command{
		Use:   "alarms",
		Short: "Load and print a dashboard",
		RunE:  runAlarms,
	}
	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Download the metrics file for a date range",
		RunE:  runExport,
	}

	username   string
	viewName   string
	startFlag  string
	endFlag    string
	sortFlag   string
	dirFlag    string
	outputPath string
)

func init() {
	loginCmd.Flags().StringVarP(&username, "username", "u", "", "username")
	_ = loginCmd.MarkFlagRequired("username")

	alarmsCmd.Flags().StringVar(&viewName, "view", "", "admin or operator (default: the role's home view)")
	alarmsCmd.Flags().StringVar(&startFlag, "start", "", "range start (RFC 3339 or 2006-01-02 15:04)")
	alarmsCmd.Flags().StringVar(&endFlag, "end", "", "range end (default now)")
	alarmsCmd.Flags().StringVar(&sortFlag, "sort", "timestamp", "timestamp, cpuUsage, memoryUsage, diskUsage, acknowledged or acknowledgedBy")
	alarmsCmd.Flags().StringVar(&dirFlag, "dir", "descending", "ascending or descending")

	exportCmd.Flags().StringVar(&startFlag, "start", "", "range start (RFC 3339 or 2006-01-02 15:04)")
	exportCmd.Flags().StringVar(&endFlag, "end", "", "range end (default now)")
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "metrics.csv", "output file, - for stdout")

	rootCmd.AddCommand(serveCmd, loginCmd, logoutCmd, statusCmd, alarmsCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg := config.Load()
	return app.New(ctx, cfg, newLogger(cfg))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	logger.Info("starting console", "addr", cfg.Addr, "backend", cfg.BackendURL, "storage", cfg.Storage)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init failed", "err", err)
		return err
	}
	return a.Run(ctx)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprint(os.Stderr, "Password: ")
	password, err := readLine(cmd.InOrStdin())
	if err != nil {
		return err
	}
	role, err := a.Auth().AttemptLogin(cmd.Context(), username, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s), home view %s\n", username, role, access.Home(role))
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Auth().Logout(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "logged out")
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return printJSON(cmd.OutOrStdout(), map[string]any{"session": a.Auth().Session(), "login": a.Auth().Status()})
}

func runAlarms(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	key, ok := alarms.ParseSortKey(sortFlag)
	if !ok {
		return fmt.Errorf("unknown sort key %q", sortFlag)
	}
	dir, ok := alarms.ParseDirection(dirFlag)
	if !ok {
		return fmt.Errorf("unknown direction %q", dirFlag)
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	view, err := resolveView(a.Auth().Session(), viewName)
	if err != nil {
		return err
	}
	dash := a.Dashboard(view)
	rng, custom, err := rangeFlags()
	if err != nil {
		return err
	}
	if custom {
		err = dash.SetRange(ctx, rng)
	} else {
		err = dash.Refresh(ctx)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), dash.Snapshot(key, dir))
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	view, err := resolveView(a.Auth().Session(), "")
	if err != nil {
		return err
	}
	dash := a.Dashboard(view)
	rng, custom, err := rangeFlags()
	if err != nil {
		return err
	}
	if custom {
		if err := dash.SetRange(ctx, rng); err != nil {
			return err
		}
	}

	var out io.Writer = cmd.OutOrStdout()
	if outputPath != "-" {
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	n, err := dash.Export(ctx, out)
	if err != nil {
		return err
	}
	if outputPath != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", n, outputPath)
	}
	return nil
}

// resolveView applies the access policy the way navigation does: an empty
// name goes to the role's home view.
func resolveView(sess *models.Session, name string) (access.View, error) {
	view := access.ParseView(name)
	d := access.Resolve(sess, view)
	if !d.Allow && d.Target != access.ViewLogin {
		view, d = d.Target, access.Resolve(sess, d.Target)
	}
	if !d.Allow || view == access.ViewLogin {
		return "", errors.New("not logged in with access to this view; run `console login -u <user>`")
	}
	return view, nil
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"}

// rangeFlags reports whether --start or --end was given.
func rangeFlags() (models.DateRange, bool, error) {
	if startFlag == "" && endFlag == "" {
		return models.DateRange{}, false, nil
	}
	end := time.Now()
	if endFlag != "" {
		t, err := parseTime(endFlag)
		if err != nil {
			return models.DateRange{}, false, err
		}
		end = t
	}
	start := end.Add(-24 * time.Hour)
	if startFlag != "" {
		t, err := parseTime(startFlag)
		if err != nil {
			return models.DateRange{}, false, err
		}
		start = t
	}
	return models.DateRange{Start: start, End: end}, true, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func describe(err error) string {
	fe, ok := failure.As(err)
	if !ok {
		return err.Error()
	}
	switch {
	case fe.Kind == failure.KindAccountLocked:
		return fmt.Sprintf("%s (unlocks at %s)", fe.Message, fe.UnlockAt.Local().Format(time.Kitchen))
	case fe.Kind == failure.KindInvalidCredentials && fe.RemainingAttempts > 0:
		return fmt.Sprintf("%s (attempts remaining: %d)", fe.Message, fe.RemainingAttempts)
	default:
		return fe.Message
	}
}
