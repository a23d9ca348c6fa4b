// AgSys Sync CLI Tool
// Provides command-line access to the edge sync queue and telemetry buffer
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agsys/edge-sync/internal/command"
	"github.com/agsys/edge-sync/internal/queue"
	"github.com/agsys/edge-sync/internal/storage"
)

var (
	dbPath  string
	verbose bool
	rootCmd = &cobra.Command{
		Use:   "agsys-syncctl",
		Short: "AgSys Sync CLI",
		Long: "Command-line tool for inspecting and managing the edge sync database. " +
			"Commands queued here are picked up by the daemon on its next sync pass.",
	}

	commandsCmd = &cobra.Command{
		Use:   "commands [device-id]",
		Short: "List queued commands",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listCommands,
	}

	showCmd = &cobra.Command{
		Use:   "show <command-id>",
		Short: "Show one command",
		Args:  cobra.ExactArgs(1),
		RunE:  showCommand,
	}

	enqueueCmd = &cobra.Command{
		Use:   "enqueue <device-id> <kind>",
		Short: "Queue a command for a device",
		Long: "Queue a command for a device. Kinds are device-control, configuration-update and telemetry-sync.\n" +
			"Parameters are key=value pairs; values that parse as JSON keep their type.",
		Args: cobra.ExactArgs(2),
		RunE: enqueueCommand,
	}

	cancelCmd = &cobra.Command{
		Use:   "cancel <command-id>",
		Short: "Cancel a command",
		Args:  cobra.ExactArgs(1),
		RunE:  cancelCommand,
	}

	cancelDeviceCmd = &cobra.Command{
		Use:   "cancel-device <device-id>",
		Short: "Cancel every unfinished command of a device",
		Args:  cobra.ExactArgs(1),
		RunE:  cancelDevice,
	}

	retryCmd = &cobra.Command{
		Use:   "retry [command-id]",
		Short: "Re-queue a failed command, or every eligible one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  retryCommands,
	}

	purgeCmd = &cobra.Command{
		Use:   "purge <device-id>",
		Short: "Delete every command of a device",
		Args:  cobra.ExactArgs(1),
		RunE:  purgeDevice,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired commands and old finished ones",
		RunE:  sweep,
	}

	telemetryCmd = &cobra.Command{
		Use:   "telemetry",
		Short: "Show buffered telemetry awaiting upload",
		RunE:  showTelemetry,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show queue and buffer statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit      int
	statuses   []string
	params     []string
	priority   int
	maxRetries int
	expiresIn  time.Duration
	delay      time.Duration
	retention  time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/agsys/sync.db", "Database file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log queue operations")

	commandsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	commandsCmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Only these statuses")
	telemetryCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	enqueueCmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Parameter key=value (repeatable)")
	enqueueCmd.Flags().IntVar(&priority, "priority", 0, "Priority; higher goes first")
	enqueueCmd.Flags().IntVar(&maxRetries, "max-retries", command.DefaultMaxRetries, "Retries before the command fails for good")
	enqueueCmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Drop the command if not delivered within this duration")
	enqueueCmd.Flags().DurationVar(&delay, "delay", 0, "Do not deliver before this duration has passed")

	sweepCmd.Flags().DurationVar(&retention, "retention", queue.DefaultRetention, "Keep finished commands this long")

	rootCmd.AddCommand(commandsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(cancelDeviceCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(telemetryCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openQueue opens the database read-write behind a queue engine
func openQueue() (*queue.Engine, *storage.DB, error) {
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	log := zerolog.Nop()
	if verbose {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return queue.New(db, queue.Options{}, log), db, nil
}

func listCommands(cmd *cobra.Command, args []string) error {
	q, db, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	query := storage.CommandQuery{Limit: limit}
	if len(args) > 0 {
		query.DeviceID = args[0]
	}
	for _, s := range statuses {
		st := command.Status(strings.ToLower(s))
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		query.Statuses = append(query.Statuses, st)
	}

	cmds, err := q.List(cmd.Context(), query)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tKIND\tNAME\tPRIO\tSTATUS\tRETRIES\tCREATED")
	fmt.Fprintln(w, "--\t------\t----\t----\t----\t------\t-------\t-------")
	for _, c := range cmds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d/%d\t%s\n",
			shortID(c.ID), c.DeviceID, c.Kind, c.Name(), c.Priority, c.Status,
			c.RetryCount, c.MaxRetries, c.CreatedAt.Local().Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showCommand(cmd *cobra.Command, args []string) error {
	q, db, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := q.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printCommand(c)
	return nil
}

func enqueueCommand(cmd *cobra.Command, args []string) error {
	p, err := parseParams(params)
	if err != nil {
		return err
	}

	q, db, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	c := &command.Command{
		DeviceID:   args[0],
		Kind:       args[1],
		Parameters: p,
		Priority:   priority,
		MaxRetries: maxRetries,
	}
	now := time.Now()
	if delay > 0 {
		c.ScheduledAt = command.TimePtr(now.Add(delay))
	}
	if expiresIn > 0 {
		c.ExpiresAt = command.TimePtr(now.Add(expiresIn))
	}

	id, err := q.Enqueue(cmd.Context(), c)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cancelCommand(cmd *cobra.Command, args []string) error {
	q, db, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := q.Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancelled %s\n", args[0])
	return nil
}

func cancelDevice(cmd *cobra.Command, args []string) error {
	q, db, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := q.CancelAllForDevice(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Cancelled %d commands for %s\n", n, args[0])
	return nil
}

func retryCommands(cmd *cobra.Command, args []string) error {
	q, db, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 1 {
		if err := q.Retry(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Re-queued %s\n", args[0])
		return nil
	}
	n, err := q.RequeueEligible(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Re-queued %d commands\n", n)
	return nil
}

func purgeDevice(cmd *cobra.Command, args []string) error {
	q, db, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := q.PurgeDevice(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d commands for %s\n", n, args[0])
	return nil
}

func sweep(cmd *cobra.Command, args []string) error {
	q, db, err := openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	expired, err := q.SweepExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	old, err := q.RetentionSweep(ctx, retention)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d expired and %d finished commands\n", expired, old)
	return nil
}

func showTelemetry(cmd *cobra.Command, args []string) error {
	db, err := storage.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := db.PendingTelemetry(cmd.Context(), 0, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tTOKEN\tSENSOR\tVALUE\tTIME\tSYNC")
	fmt.Fprintln(w, "--\t------\t-----\t------\t-----\t----\t----")
	for _, r := range recs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%g%s\t%s\t%s\n",
			r.ID, r.DeviceID, r.DeviceToken, r.SensorType, r.Value, r.Unit,
			r.Timestamp.Local().Format("01-02 15:04:05"), r.SyncStatus)
	}
	w.Flush()
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := storage.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := cmd.Context()

	fmt.Println("Sync Database Statistics")
	fmt.Println("========================")

	cmds, err := db.CountCommandsByStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Commands:")
	for _, s := range command.AllStatuses {
		fmt.Printf("  %-10s %d\n", s, cmds[s])
	}
	eligible, err := db.CountRetryEligible(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("  %-10s %d\n", "retryable", eligible)

	tel, err := db.CountTelemetryByStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Telemetry:")
	for _, s := range []storage.SyncStatus{storage.SyncPending, storage.SyncFailed, storage.SyncSynced} {
		fmt.Printf("  %-10s %d\n", s, tel[s])
	}

	states, err := db.ConfigStates(ctx)
	if err != nil {
		return err
	}
	if len(states) > 0 {
		fmt.Println("Configurations pushed:")
		for _, s := range states {
			fmt.Printf("  %-20s %s  %s\n", s.DeviceID, shortID(s.Hash), s.SyncedAt.Local().Format("2006-01-02 15:04"))
		}
	}
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := sql.Open("sqlite3", dbPath+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.QueryContext(cmd.Context(), query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]any, len(cols))
	valuePtrs := make([]any, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return rows.Err()
}

func printCommand(c *command.Command) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", c.ID)
	fmt.Fprintf(w, "Device:\t%s\n", c.DeviceID)
	fmt.Fprintf(w, "Kind:\t%s\n", c.Kind)
	fmt.Fprintf(w, "Status:\t%s\n", c.Status)
	fmt.Fprintf(w, "Priority:\t%d\n", c.Priority)
	fmt.Fprintf(w, "Retries:\t%d/%d\n", c.RetryCount, c.MaxRetries)
	if c.Parameters.Len() > 0 {
		data, _ := c.Parameters.MarshalJSON()
		fmt.Fprintf(w, "Parameters:\t%s\n", data)
	}
	fmt.Fprintf(w, "Created:\t%s\n", formatTime(&c.CreatedAt))
	fmt.Fprintf(w, "Scheduled:\t%s\n", formatTime(c.ScheduledAt))
	fmt.Fprintf(w, "Sent:\t%s\n", formatTime(c.SentAt))
	fmt.Fprintf(w, "Completed:\t%s\n", formatTime(c.CompletedAt))
	fmt.Fprintf(w, "Expires:\t%s\n", formatTime(c.ExpiresAt))
	if c.Result != nil {
		fmt.Fprintf(w, "Result:\t%s\n", *c.Result)
	}
	if c.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:\t%s\n", *c.ErrorMessage)
	}
	w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

