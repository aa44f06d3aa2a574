// ShelterLink Database CLI Tool
// Provides command-line access to the device agent database
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "agent-db",
		Short: "ShelterLink Agent Database CLI",
		Long:  "Command-line tool for inspecting the ShelterLink device agent database.",
	}

	settingsCmd = &cobra.Command{
		Use:   "settings",
		Short: "List stored settings",
		RunE:  listSettings,
	}

	suggestionsCmd = &cobra.Command{
		Use:   "suggestions [type]",
		Short: "Show timeline suggestions",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showSuggestions,
	}

	acksCmd = &cobra.Command{
		Use:   "acks",
		Short: "Show acknowledged suggestion types awaiting delivery",
		RunE:  showAcks,
	}

	syncsCmd = &cobra.Command{
		Use:   "syncs",
		Short: "Show heartbeat attempts",
		RunE:  showSyncs,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit      int
	failedOnly bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/shelterlink/agent.db", "Database file path")

	suggestionsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	syncsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	syncsCmd.Flags().BoolVar(&failedOnly, "failed", false, "Only show failed attempts")

	rootCmd.AddCommand(settingsCmd, suggestionsCmd, acksCmd, syncsCmd, statsCmd, queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath+"?mode=ro")
}

func listSettings(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE\tUPDATED")
	fmt.Fprintln(w, "---\t-----\t-------")

	for rows.Next() {
		var key, value string
		var updatedAt time.Time
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", key, truncate(value, 60), updatedAt.Format("01-02 15:04"))
	}
	w.Flush()
	return rows.Err()
}

func showSuggestions(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := `
		SELECT type, priority, mode, source, content, received_at, expires_at
		FROM suggestions ORDER BY received_at DESC LIMIT ?
	`
	queryArgs := []interface{}{limit}
	if len(args) > 0 {
		query = `
			SELECT type, priority, mode, source, content, received_at, expires_at
			FROM suggestions WHERE type = ? ORDER BY received_at DESC LIMIT ?
		`
		queryArgs = []interface{}{args[0], limit}
	}

	rows, err := db.Query(query, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tPRIORITY\tMODE\tSOURCE\tRECEIVED\tEXPIRES\tCONTENT")
	fmt.Fprintln(w, "----\t--------\t----\t------\t--------\t-------\t-------")

	for rows.Next() {
		var typ, priority, mode, source, content string
		var receivedAt time.Time
		var expiresAt sql.NullTime
		if err := rows.Scan(&typ, &priority, &mode, &source, &content, &receivedAt, &expiresAt); err != nil {
			return err
		}

		expStr := "-"
		if expiresAt.Valid {
			expStr = expiresAt.Time.Format("01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			typ, priority, mode, source, receivedAt.Format("01-02 15:04"), expStr, truncate(content, 48))
	}
	w.Flush()
	return rows.Err()
}

func showAcks(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT type, acknowledged_at FROM acknowledged_types ORDER BY acknowledged_at`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tACKNOWLEDGED")
	fmt.Fprintln(w, "----\t------------")

	for rows.Next() {
		var typ string
		var ackedAt time.Time
		if err := rows.Scan(&typ, &ackedAt); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\n", typ, ackedAt.Format("01-02 15:04:05"))
	}
	w.Flush()
	return rows.Err()
}

func showSyncs(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	where := ""
	if failedOnly {
		where = "WHERE success = 0"
	}
	rows, err := db.Query(`
		SELECT trigger_type, started_at, duration_ms, success, sync_id, mode, suggestions, error
		FROM sync_log `+where+` ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TRIGGER\tSTARTED\tDURATION\tOK\tSYNC ID\tMODE\tSUGG\tERROR")
	fmt.Fprintln(w, "-------\t-------\t--------\t--\t-------\t----\t----\t-----")

	for rows.Next() {
		var trigger, mode string
		var startedAt time.Time
		var durationMS, suggestions int64
		var success bool
		var syncID, errText sql.NullString
		if err := rows.Scan(&trigger, &startedAt, &durationMS, &success, &syncID, &mode, &suggestions, &errText); err != nil {
			return err
		}

		okStr := "N"
		if success {
			okStr = "Y"
		}
		idStr := syncID.String
		if idStr == "" {
			idStr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%dms\t%s\t%s\t%s\t%d\t%s\n",
			trigger, startedAt.Format("01-02 15:04:05"), durationMS, okStr, idStr, mode, suggestions,
			truncate(errText.String, 40))
	}
	w.Flush()
	return rows.Err()
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Database Statistics")
	fmt.Println("===================")

	// Settings
	var settingsCount int
	db.QueryRow("SELECT COUNT(*) FROM settings").Scan(&settingsCount)
	fmt.Printf("Settings: %d\n", settingsCount)

	// Suggestions
	var suggestionCount, streamCount int
	db.QueryRow("SELECT COUNT(*) FROM suggestions").Scan(&suggestionCount)
	db.QueryRow("SELECT COUNT(*) FROM suggestions WHERE source = 'stream'").Scan(&streamCount)
	fmt.Printf("Suggestions: %d (from stream: %d)\n", suggestionCount, streamCount)

	// Acknowledgements
	var ackCount int
	db.QueryRow("SELECT COUNT(*) FROM acknowledged_types").Scan(&ackCount)
	fmt.Printf("Pending acknowledgements: %d\n", ackCount)

	// Heartbeats
	var syncCount, failedCount int
	db.QueryRow("SELECT COUNT(*) FROM sync_log").Scan(&syncCount)
	db.QueryRow("SELECT COUNT(*) FROM sync_log WHERE success = 0").Scan(&failedCount)
	fmt.Printf("Heartbeats: %d (failed: %d)\n", syncCount, failedCount)

	var lastSync sql.NullString
	db.QueryRow("SELECT MAX(started_at) FROM sync_log WHERE success = 1").Scan(&lastSync)
	if lastSync.Valid {
		fmt.Printf("Last successful heartbeat: %s\n", lastSync.String)
	}

	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
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

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
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

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
