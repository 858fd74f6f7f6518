package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"golang.org/x/term"

	"foreman/pkg/config"
	"foreman/pkg/metrics"
	"foreman/pkg/persistence"
	"foreman/pkg/queue"
	"foreman/pkg/sessions"
	"foreman/pkg/version"
	"foreman/pkg/webhook"
	"foreman/pkg/workspace"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "sessions":
		os.Exit(cmdSessions(os.Args[2:]))
	case "queue":
		os.Exit(cmdQueue(os.Args[2:]))
	case "secrets":
		os.Exit(cmdSecrets(os.Args[2:]))
	case "status":
		os.Exit(cmdStatus(os.Args[2:]))
	case "version":
		fmt.Printf("foremanctl %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "foremanctl - operator CLI for the foreman daemon\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s <command> [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  sessions list [-status <s>] [-limit <n>]   List agent sessions\n")
	fmt.Fprintf(os.Stderr, "  sessions show -id <n>                      Show one session as JSON\n")
	fmt.Fprintf(os.Stderr, "  sessions resume -id <n> [-note <text>]     Queue an interrupted session for resume\n")
	fmt.Fprintf(os.Stderr, "  sessions delete -id <n>                    Delete a session and its workspace\n")
	fmt.Fprintf(os.Stderr, "  queue status                               Show task counts per queue and status\n")
	fmt.Fprintf(os.Stderr, "  queue cleanup [-days <n>]                  Delete old finished tasks and deliveries\n")
	fmt.Fprintf(os.Stderr, "  secrets set -name <NAME>                   Store a secret in the encrypted file\n")
	fmt.Fprintf(os.Stderr, "  secrets unset -name <NAME>                 Remove a secret from the encrypted file\n")
	fmt.Fprintf(os.Stderr, "  secrets list                               List secret names (never values)\n")
	fmt.Fprintf(os.Stderr, "  status [-ticket <KEY>]                     Query the running daemon's status\n")
	fmt.Fprintf(os.Stderr, "  version                                    Show version information\n\n")
	fmt.Fprintf(os.Stderr, "Every command accepts -dir <path> for the project directory holding .foreman/\n")
	fmt.Fprintf(os.Stderr, "(default: current directory).\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  %s sessions list -status interrupted\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s sessions resume -id 3 -note \"Tests pass now, finish the PR\"\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s secrets set -name TRACKER_API_TOKEN\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s status -ticket PROJ-142\n", os.Args[0])
}

// ctlEnv is the plumbing most subcommands share: loaded config plus an open
// store, both rooted at the project directory.
type ctlEnv struct {
	dir   string
	cfg   config.Config
	store *persistence.Store
}

func openEnv(dir string) (*ctlEnv, error) {
	cfgPath := filepath.Join(dir, ".foreman", "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	store, err := persistence.Open(resolvePath(dir, cfg.Storage.DBPath))
	if err != nil {
		return nil, err
	}
	return &ctlEnv{dir: dir, cfg: cfg, store: store}, nil
}

func (e *ctlEnv) close() {
	_ = e.store.Close()
}

// sessionManager builds the same session manager the daemon runs, minus the
// live worker pool. Resume only enqueues; the daemon picks the task up.
func (e *ctlEnv) sessionManager() *sessions.Manager {
	execQueue := queue.NewExecution(e.store, e.cfg.Queues, metrics.Nop())
	spaces := workspace.NewManager(resolvePath(e.dir, e.cfg.Storage.WorkRoot), e.cfg.Agent)
	return sessions.NewManager(e.store, execQueue, spaces)
}

func cmdSessions(args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: sessions needs a subcommand (list, show, resume, delete)\n\n")
		printUsage()
		return 1
	}

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("sessions list", flag.ExitOnError)
		dir := fs.String("dir", ".", "Project directory")
		status := fs.String("status", "", "Filter by status (active, interrupted, completed, failed)")
		limit := fs.Int("limit", 20, "Maximum rows")
		_ = fs.Parse(args[1:])
		return sessionsList(*dir, *status, *limit)
	case "show":
		fs := flag.NewFlagSet("sessions show", flag.ExitOnError)
		dir := fs.String("dir", ".", "Project directory")
		id := fs.Int64("id", 0, "Session id")
		_ = fs.Parse(args[1:])
		return sessionsShow(*dir, *id)
	case "resume":
		fs := flag.NewFlagSet("sessions resume", flag.ExitOnError)
		dir := fs.String("dir", ".", "Project directory")
		id := fs.Int64("id", 0, "Session id")
		note := fs.String("note", "", "Guidance handed to the resumed agent")
		_ = fs.Parse(args[1:])
		return sessionsResume(*dir, *id, *note)
	case "delete":
		fs := flag.NewFlagSet("sessions delete", flag.ExitOnError)
		dir := fs.String("dir", ".", "Project directory")
		id := fs.Int64("id", 0, "Session id")
		_ = fs.Parse(args[1:])
		return sessionsDelete(*dir, *id)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown sessions subcommand %q\n\n", args[0])
		printUsage()
		return 1
	}
}

func sessionsList(dir, status string, limit int) int {
	env, err := openEnv(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	records, err := env.sessionManager().List(status, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(records) == 0 {
		fmt.Println("No sessions.")
		return 0
	}

	fmt.Printf("%-6s %-14s %-13s %-8s %-20s %s\n", "ID", "TICKET", "STATUS", "RESUMES", "UPDATED", "ERROR")
	for _, rec := range records {
		errText := rec.LastError
		if len(errText) > 48 {
			errText = errText[:45] + "..."
		}
		fmt.Printf("%-6d %-14s %-13s %-8d %-20s %s\n",
			rec.ID, rec.TicketKey, rec.Status, rec.ResumeCount,
			rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"), errText)
	}
	return 0
}

// sessionView is the JSON shape for sessions show.
type sessionView struct {
	ID                int64      `json:"id"`
	TicketID          string     `json:"ticket_id"`
	TicketKey         string     `json:"ticket_key"`
	Status            string     `json:"status"`
	ExecutionTaskID   int64      `json:"execution_task_id"`
	ExternalSessionID string     `json:"external_session_id,omitempty"`
	WorkspacePath     string     `json:"workspace_path,omitempty"`
	BranchName        string     `json:"branch_name,omitempty"`
	ResumeCount       int        `json:"resume_count"`
	LastError         string     `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	InterruptedAt     *time.Time `json:"interrupted_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func sessionsShow(dir string, id int64) int {
	if id == 0 {
		fmt.Fprintf(os.Stderr, "Error: -id is required\n")
		return 1
	}
	env, err := openEnv(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	rec, err := env.sessionManager().Get(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	view := sessionView{
		ID:                rec.ID,
		TicketID:          rec.TicketID,
		TicketKey:         rec.TicketKey,
		Status:            rec.Status,
		ExecutionTaskID:   rec.ExecutionTaskID,
		ExternalSessionID: rec.ExternalSessionID,
		WorkspacePath:     rec.WorkspacePath,
		BranchName:        rec.BranchName,
		ResumeCount:       rec.ResumeCount,
		LastError:         rec.LastError,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		InterruptedAt:     rec.InterruptedAt,
		CompletedAt:       rec.CompletedAt,
	}
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func sessionsResume(dir string, id int64, note string) int {
	if id == 0 {
		fmt.Fprintf(os.Stderr, "Error: -id is required\n")
		return 1
	}
	env, err := openEnv(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	task, err := env.sessionManager().Resume(id, note)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Session %d queued for resume as execution task %d. The daemon picks it up next.\n", id, task.ID)
	return 0
}

func sessionsDelete(dir string, id int64) int {
	if id == 0 {
		fmt.Fprintf(os.Stderr, "Error: -id is required\n")
		return 1
	}
	env, err := openEnv(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	if err := env.sessionManager().Delete(id); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Session %d deleted.\n", id)
	return 0
}

func cmdQueue(args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: queue needs a subcommand (status, cleanup)\n\n")
		printUsage()
		return 1
	}

	switch args[0] {
	case "status":
		fs := flag.NewFlagSet("queue status", flag.ExitOnError)
		dir := fs.String("dir", ".", "Project directory")
		_ = fs.Parse(args[1:])
		return queueStatus(*dir)
	case "cleanup":
		fs := flag.NewFlagSet("queue cleanup", flag.ExitOnError)
		dir := fs.String("dir", ".", "Project directory")
		days := fs.Int("days", 0, "Delete finished rows older than this many days (default: configured retention)")
		_ = fs.Parse(args[1:])
		return queueCleanup(*dir, *days)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown queue subcommand %q\n\n", args[0])
		printUsage()
		return 1
	}
}

// queueStatus reads the database directly so it works with the daemon down.
func queueStatus(dir string) int {
	env, err := openEnv(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	fmt.Printf("%-14s %8s %11s %10s %7s %10s\n", "QUEUE", "PENDING", "PROCESSING", "COMPLETED", "FAILED", "CANCELLED")
	for _, kind := range []persistence.QueueKind{persistence.QueueCoordination, persistence.QueueExecution} {
		counts, err := env.store.CountByStatus(kind)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("%-14s %8d %11d %10d %7d %10d\n", kind,
			counts[persistence.StatusPending],
			counts[persistence.StatusProcessing],
			counts[persistence.StatusCompleted],
			counts[persistence.StatusFailed],
			counts[persistence.StatusCancelled])
	}
	return 0
}

func queueCleanup(dir string, days int) int {
	env, err := openEnv(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	olderThan := env.cfg.Queues.Retention()
	if days > 0 {
		olderThan = time.Duration(days) * 24 * time.Hour
	}

	tasks, err := env.store.CleanupTasks(olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	deliveries, err := env.store.PurgeDeliveries(olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Deleted %d finished task(s) and %d webhook delivery record(s) older than %s.\n",
		tasks, deliveries, olderThan)
	return 0
}

func cmdSecrets(args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: secrets needs a subcommand (set, unset, list)\n\n")
		printUsage()
		return 1
	}

	switch args[0] {
	case "set":
		fs := flag.NewFlagSet("secrets set", flag.ExitOnError)
		dir := fs.String("dir", ".", "Project directory")
		name := fs.String("name", "", "Secret name, e.g. TRACKER_API_TOKEN")
		_ = fs.Parse(args[1:])
		return secretsSet(*dir, *name)
	case "unset":
		fs := flag.NewFlagSet("secrets unset", flag.ExitOnError)
		dir := fs.String("dir", ".", "Project directory")
		name := fs.String("name", "", "Secret name")
		_ = fs.Parse(args[1:])
		return secretsUnset(*dir, *name)
	case "list":
		fs := flag.NewFlagSet("secrets list", flag.ExitOnError)
		dir := fs.String("dir", ".", "Project directory")
		_ = fs.Parse(args[1:])
		return secretsList(*dir)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown secrets subcommand %q\n\n", args[0])
		printUsage()
		return 1
	}
}

func secretsSet(dir, name string) int {
	if name == "" {
		fmt.Fprintf(os.Stderr, "Error: -name is required\n")
		return 1
	}

	passphrase, err := unlockSecrets(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	value, err := promptPassword(fmt.Sprintf("Value for %s: ", name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if value == "" {
		fmt.Fprintf(os.Stderr, "Error: value cannot be empty\n")
		return 1
	}

	config.SetSecret(name, value)
	if err := config.SaveSecretsToFile(dir, passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Saved %s (%d secret(s) in %s).\n", name,
		len(config.GetDecryptedSecretNames()), filepath.Join(dir, ".foreman", "secrets.json.enc"))
	return 0
}

func secretsUnset(dir, name string) int {
	if name == "" {
		fmt.Fprintf(os.Stderr, "Error: -name is required\n")
		return 1
	}
	if !config.SecretsFileExists(dir) {
		fmt.Fprintf(os.Stderr, "Error: no secrets file in %s\n", dir)
		return 1
	}

	passphrase, err := unlockSecrets(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	found := false
	for _, existing := range config.GetDecryptedSecretNames() {
		if existing == name {
			found = true
			break
		}
	}
	if !found {
		fmt.Fprintf(os.Stderr, "Error: no secret named %s\n", name)
		return 1
	}

	config.DeleteSecret(name)
	if err := config.SaveSecretsToFile(dir, passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Removed %s (%d secret(s) remain).\n", name, len(config.GetDecryptedSecretNames()))
	return 0
}

func secretsList(dir string) int {
	if !config.SecretsFileExists(dir) {
		fmt.Fprintf(os.Stderr, "Error: no secrets file in %s\n", dir)
		return 1
	}

	if _, err := unlockSecrets(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	names := config.GetDecryptedSecretNames()
	sort.Strings(names)
	fmt.Printf("%d secret(s):\n", len(names))
	for _, name := range names {
		fmt.Printf("  %s\n", name)
	}
	return 0
}

// unlockSecrets loads the encrypted secrets file into memory and returns the
// passphrase that opened it. When no file exists yet it prompts for a new
// passphrase twice and returns it with nothing loaded.
func unlockSecrets(dir string) (string, error) {
	if config.SecretsFileExists(dir) {
		passphrase, err := promptPassword("Passphrase: ")
		if err != nil {
			return "", err
		}
		secrets, err := config.DecryptSecretsFile(dir, passphrase)
		if err != nil {
			return "", err
		}
		config.SetDecryptedSecrets(secrets)
		return passphrase, nil
	}

	passphrase, err := promptPassword("New passphrase: ")
	if err != nil {
		return "", err
	}
	if passphrase == "" {
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	confirm, err := promptPassword("Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if passphrase != confirm {
		return "", fmt.Errorf("passphrases do not match")
	}
	return passphrase, nil
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dir := fs.String("dir", ".", "Project directory")
	addr := fs.String("addr", "", "Daemon status address (default: webhook addr from config)")
	ticket := fs.String("ticket", "", "Also show LLM token usage for this ticket key")
	_ = fs.Parse(args)

	cfgPath := filepath.Join(*dir, ".foreman", "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config %s: %v\n", cfgPath, err)
		return 1
	}

	target := *addr
	if target == "" {
		target = cfg.Webhook.Addr
	}
	st, err := fetchStatus(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (is the daemon running?)\n", err)
		return 1
	}

	fmt.Printf("foreman %s\n", st.Version)
	switch {
	case st.RateLimit.Limited:
		fmt.Printf("Rate limit: LIMITED until %s (%d consecutive errors)\n",
			st.RateLimit.ResetAt, st.RateLimit.ConsecutiveErrors)
	case st.RateLimit.RequestsLimit > 0:
		fmt.Printf("Rate limit: ok, %d/%d requests remaining\n",
			st.RateLimit.RequestsRemaining, st.RateLimit.RequestsLimit)
	default:
		fmt.Println("Rate limit: ok")
	}

	fmt.Println("\nQueues:")
	for _, q := range []string{"coordination", "execution"} {
		counts := st.Queues[q]
		fmt.Printf("  %-13s pending=%d processing=%d completed=%d failed=%d cancelled=%d\n", q,
			counts[persistence.StatusPending],
			counts[persistence.StatusProcessing],
			counts[persistence.StatusCompleted],
			counts[persistence.StatusFailed],
			counts[persistence.StatusCancelled])
	}

	if len(st.Logs) > 0 {
		fmt.Println("\nRecent problems:")
		for _, entry := range st.Logs {
			fmt.Printf("  [%s] [%s] %s: %s\n", entry.Timestamp, entry.Component, entry.Level, entry.Message)
		}
	}

	if *ticket != "" {
		if cfg.Metrics.PrometheusURL == "" {
			fmt.Fprintf(os.Stderr, "Error: -ticket needs metrics.prometheus_url in the config\n")
			return 1
		}
		if err := printTicketMetrics(cfg.Metrics.PrometheusURL, *ticket); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}
	return 0
}

func fetchStatus(addr string) (*webhook.StatusPayload, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(statusURL(addr))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	var st webhook.StatusPayload
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// statusURL turns a listen address like ":8344" or "0.0.0.0:8344" into a
// loopback URL for the status endpoint.
func statusURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/status"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s/status", net.JoinHostPort(host, port))
}

func printTicketMetrics(prometheusURL, ticketKey string) error {
	qs, err := metrics.NewQueryService(prometheusURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tm, err := qs.GetTicketMetrics(ctx, ticketKey)
	if err != nil {
		return err
	}
	breakdown, err := qs.GetStageBreakdown(ctx, ticketKey)
	if err != nil {
		return err
	}

	fmt.Printf("\nTicket %s: %d token(s) total (prompt %d, completion %d)\n",
		tm.TicketKey, tm.TotalTokens, tm.PromptTokens, tm.CompletionTokens)
	stages := make([]string, 0, len(breakdown))
	for stage := range breakdown {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		fmt.Printf("  %-18s %d\n", stage, breakdown[stage])
	}
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}

// resolvePath anchors a relative config path at the project directory.
func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
