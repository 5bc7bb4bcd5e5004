// Package main implements guardctl, the operator CLI for AgentGuard.
// It drives the approval queue (list, show, approve, deny, cancel,
// watch) and verifies per-agent audit chains, speaking to a running
// guardd over HTTP with a static admin key.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"agentguard/internal/approval"
	"agentguard/internal/audit"
	"agentguard/internal/logging"
)

func main() {
	args := logging.InitLogging(os.Args[1:])

	serverURL := os.Getenv("AGENTGUARD_URL")
	adminKey := os.Getenv("AGENTGUARD_ADMIN_KEY")

	fs := flag.NewFlagSet("guardctl", flag.ExitOnError)
	fs.StringVar(&serverURL, "url", serverURL, "URL of the AgentGuard server (or set AGENTGUARD_URL)")
	fs.StringVar(&adminKey, "admin-key", adminKey, "Admin API key (or set AGENTGUARD_ADMIN_KEY)")
	outputJSON := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: guardctl [options] <command> [arguments]

Commands:
  list [--status=pending|approved|denied]  List approval requests
  pending                                  List pending approvals (shorthand for list --status=pending)
  show <approval_id>                       Show details of an approval
  approve <approval_id> --reason "..."     Approve a request
  deny <approval_id> --reason "..."        Deny a request
  cancel <approval_id>                     Cancel a pending request
  watch                                    Watch for new approval requests (interactive)
  verify --agent <agent_id>                Verify an agent's audit log chain

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Environment Variables:
  AGENTGUARD_URL        URL of the AgentGuard server (e.g., http://localhost:8000)
  AGENTGUARD_ADMIN_KEY  Admin API key

Examples:
  guardctl pending                          # List pending approvals
  guardctl approve 0d9c... --reason "Verified with the payments team"
  guardctl deny 0d9c... --reason "Export not justified"
  guardctl verify --agent agt_x7Yt0uKq      # Check chain integrity
  guardctl watch                            # Interactive approval mode
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if serverURL == "" {
		fmt.Fprintln(os.Stderr, "Error: server URL required (use --url or set AGENTGUARD_URL)")
		os.Exit(1)
	}
	if adminKey == "" {
		fmt.Fprintln(os.Stderr, "Error: admin key required (use --admin-key or set AGENTGUARD_ADMIN_KEY)")
		os.Exit(1)
	}

	remainingArgs := fs.Args()
	if len(remainingArgs) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	approvals := approval.NewClient(serverURL, adminKey)
	logs := audit.NewClient(serverURL, adminKey)
	ctx := context.Background()

	command := remainingArgs[0]
	cmdArgs := remainingArgs[1:]

	var err error
	switch command {
	case "list":
		err = cmdList(ctx, approvals, cmdArgs, *outputJSON)
	case "pending":
		err = cmdList(ctx, approvals, []string{"--status=pending"}, *outputJSON)
	case "show":
		err = cmdShow(ctx, approvals, cmdArgs, *outputJSON)
	case "approve":
		err = cmdApprove(ctx, approvals, cmdArgs)
	case "deny":
		err = cmdDeny(ctx, approvals, cmdArgs)
	case "cancel":
		err = cmdCancel(ctx, approvals, cmdArgs)
	case "watch":
		err = cmdWatch(ctx, approvals)
	case "verify":
		err = cmdVerify(ctx, logs, cmdArgs, *outputJSON)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		fs.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdList(ctx context.Context, client *approval.Client, args []string, outputJSON bool) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status (pending, approved, denied)")
	agent := fs.String("agent", "", "Filter by agent ID")
	limit := fs.Int("limit", 20, "Maximum number of results")
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, err := client.List(ctx, approval.ListOptions{
		Status:  *status,
		AgentID: *agent,
		Limit:   *limit,
	})
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if len(result.Items) == 0 {
		fmt.Println("No approvals found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tACTION\tRESOURCE\tAGENT\tCREATED\tDECIDED BY")
	for _, a := range result.Items {
		decidedBy := ""
		if a.DecisionBy != nil {
			decidedBy = *a.DecisionBy
		}
		agentLabel := a.AgentName
		if agentLabel == "" {
			agentLabel = a.AgentID
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ApprovalID,
			statusIcon(a.Status)+" "+a.Status,
			a.Action,
			truncate(a.Resource, 24),
			truncate(agentLabel, 20),
			a.CreatedAt.Local().Format("15:04:05"),
			decidedBy,
		)
	}
	w.Flush()

	fmt.Printf("\n%d shown, %d total, %d pending\n", len(result.Items), result.Total, result.PendingCount)
	return nil
}

func cmdShow(ctx context.Context, client *approval.Client, args []string, outputJSON bool) error {
	if len(args) == 0 {
		return fmt.Errorf("approval ID required")
	}

	req, err := client.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get approval: %w", err)
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(req)
	}

	fmt.Printf("Approval ID:  %s\n", req.ApprovalID)
	fmt.Printf("Status:       %s %s\n", statusIcon(req.Status), req.Status)
	fmt.Printf("Action:       %s\n", req.Action)
	if req.Resource != "" {
		fmt.Printf("Resource:     %s\n", req.Resource)
	}
	fmt.Printf("Agent:        %s", req.AgentID)
	if req.AgentName != "" {
		fmt.Printf(" (%s)", req.AgentName)
	}
	fmt.Println()
	fmt.Printf("Created At:   %s\n", req.CreatedAt.Format(time.RFC3339))
	if req.DecisionBy != nil {
		fmt.Printf("Decided By:   %s\n", *req.DecisionBy)
	}
	if req.DecisionAt != nil {
		fmt.Printf("Decided At:   %s\n", req.DecisionAt.Format(time.RFC3339))
	}
	if req.DecisionReason != nil {
		fmt.Printf("Reason:       %s\n", *req.DecisionReason)
	}
	if len(req.Context) > 0 {
		fmt.Println("Context:")
		for k, v := range req.Context {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
	return nil
}

func cmdApprove(ctx context.Context, client *approval.Client, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	reason := fs.String("reason", "", "Reason for approval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) == 0 {
		return fmt.Errorf("approval ID required")
	}

	req, err := client.Approve(ctx, fs.Args()[0], *reason)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}

	fmt.Printf("Approved: %s\n", req.ApprovalID)
	if req.DecisionBy != nil {
		fmt.Printf("  Decided By: %s\n", *req.DecisionBy)
	}
	if req.DecisionReason != nil {
		fmt.Printf("  Reason:     %s\n", *req.DecisionReason)
	}
	return nil
}

func cmdDeny(ctx context.Context, client *approval.Client, args []string) error {
	fs := flag.NewFlagSet("deny", flag.ExitOnError)
	reason := fs.String("reason", "", "Reason for denial (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) == 0 {
		return fmt.Errorf("approval ID required")
	}
	if *reason == "" {
		return fmt.Errorf("--reason is required when denying")
	}

	req, err := client.Deny(ctx, fs.Args()[0], *reason)
	if err != nil {
		return fmt.Errorf("deny: %w", err)
	}

	fmt.Printf("Denied: %s\n", req.ApprovalID)
	if req.DecisionReason != nil {
		fmt.Printf("  Reason: %s\n", *req.DecisionReason)
	}
	return nil
}

func cmdCancel(ctx context.Context, client *approval.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("approval ID required")
	}
	if err := client.Cancel(ctx, args[0]); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	fmt.Printf("Cancelled: %s\n", args[0])
	return nil
}

func cmdVerify(ctx context.Context, client *audit.Client, args []string, outputJSON bool) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	agentID := fs.String("agent", "", "Agent ID whose chain to verify (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agentID == "" {
		// Allow "guardctl verify agt_xyz" without the flag too.
		if len(fs.Args()) > 0 {
			*agentID = fs.Args()[0]
		} else {
			return fmt.Errorf("--agent is required")
		}
	}

	result, err := client.Verify(ctx, *agentID)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Printf("Agent:   %s\n", result.AgentID)
	fmt.Printf("Entries: %d\n", result.TotalEntries)
	if result.Valid {
		fmt.Println("Chain:   [+] intact")
		return nil
	}
	fmt.Println("Chain:   [-] BROKEN")
	if result.BrokenAt != nil {
		fmt.Printf("First broken link at log_id %s\n", *result.BrokenAt)
	}
	return fmt.Errorf("audit chain verification failed")
}

func cmdWatch(ctx context.Context, client *approval.Client) error {
	fmt.Println("Watching for pending approvals... (press Ctrl+C to exit)")
	fmt.Println("Enter approval ID to approve, or !<ID> to deny")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	seen := make(map[string]bool)
	showPending(ctx, client, seen)

	inputCh := make(chan string)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			inputCh <- strings.TrimSpace(line)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			showPending(ctx, client, seen)
		case input := <-inputCh:
			if input == "" {
				continue
			}
			if strings.HasPrefix(input, "!") {
				id := strings.TrimPrefix(input, "!")
				fmt.Print("Reason for denial: ")
				reason, _ := reader.ReadString('\n')
				reason = strings.TrimSpace(reason)
				if reason == "" {
					fmt.Println("Denial requires a reason")
					continue
				}
				if _, err := client.Deny(ctx, id, reason); err != nil {
					fmt.Printf("Error: %v\n", err)
					continue
				}
				fmt.Printf("Denied: %s\n", id)
			} else {
				fmt.Print("Reason for approval (optional): ")
				reason, _ := reader.ReadString('\n')
				reason = strings.TrimSpace(reason)
				if _, err := client.Approve(ctx, input, reason); err != nil {
					fmt.Printf("Error: %v\n", err)
					continue
				}
				fmt.Printf("Approved: %s\n", input)
			}
		}
	}
}

func showPending(ctx context.Context, client *approval.Client, seen map[string]bool) {
	result, err := client.List(ctx, approval.ListOptions{Status: "pending", Limit: 20})
	if err != nil {
		fmt.Printf("Error fetching pending: %v\n", err)
		return
	}

	for _, a := range result.Items {
		if seen[a.ApprovalID] {
			continue
		}
		seen[a.ApprovalID] = true

		fmt.Println()
		fmt.Printf("NEW APPROVAL REQUEST: %s\n", a.ApprovalID)
		fmt.Printf("  Action:    %s\n", a.Action)
		if a.Resource != "" {
			fmt.Printf("  Resource:  %s\n", a.Resource)
		}
		if a.AgentName != "" {
			fmt.Printf("  Agent:     %s (%s)\n", a.AgentName, a.AgentID)
		} else {
			fmt.Printf("  Agent:     %s\n", a.AgentID)
		}
		fmt.Printf("  Requested: %s\n", a.CreatedAt.Local().Format("15:04:05"))
		fmt.Printf("  > Enter '%s' to approve, '!%s' to deny\n", a.ApprovalID, a.ApprovalID)
	}
}

func statusIcon(status string) string {
	switch status {
	case "pending":
		return "[?]"
	case "approved":
		return "[+]"
	case "denied":
		return "[-]"
	default:
		return "[.]"
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
