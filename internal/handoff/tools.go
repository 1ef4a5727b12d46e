package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/tools"
)

func (d *Desk) Tools() []tools.Tool {
	return []tools.Tool{
		{
			Name:        "initiate_human_transfer",
			Description: "Initiate a warm transfer to a human call center agent. Returns the transfer id and estimated wait time.",
			Params: []tools.Param{
				{Name: "reason", Type: tools.TypeString, Description: "Reason for transferring to a human agent"},
				{Name: "department", Type: tools.TypeString, Description: "Target department: 'general', 'scheduling', 'billing', or 'emergency'"},
				{Name: "priority", Type: tools.TypeString, Description: "Priority level: 'normal' or 'high'"},
				{Name: "conversation_summary", Type: tools.TypeString, Description: "Brief summary of the conversation to pass to the human agent"},
			},
			Handler: d.initiateTool,
		},
		{
			Name:        "get_transfer_status",
			Description: "Check the status of a pending human transfer.",
			Params: []tools.Param{
				{Name: "transfer_id", Type: tools.TypeString, Description: "The transfer ID to check status for"},
			},
			Handler: d.statusTool,
		},
		{
			Name:        "get_queue_status",
			Description: "Get the current queue status for a department, useful for setting caller expectations before a transfer.",
			Params: []tools.Param{
				{Name: "department", Type: tools.TypeString, Description: "Department to check: 'general', 'scheduling', 'billing', or 'emergency'"},
			},
			Handler: d.queueTool,
		},
	}
}

func (d *Desk) initiateTool(ctx context.Context, args tools.Args) (any, error) {
	t := d.Initiate(ctx, args.String("reason"), args.String("department"), args.String("priority"), args.String("conversation_summary"))
	return fmt.Sprintf("Transfer initiated successfully.\n"+
		"- Transfer ID: %s\n"+
		"- Department: %s\n"+
		"- Priority: %s\n"+
		"- Estimated wait time: ~%s\n"+
		"- Agents available: %d\n\n"+
		"The caller will be connected to a live agent shortly. Please inform them of the estimated wait time.",
		t.ID, title(t.Department), title(t.Priority), formatWait(t.EstimatedWait), t.AgentsAvailable), nil
}

func (d *Desk) statusTool(_ context.Context, args tools.Args) (any, error) {
	id := args.String("transfer_id")
	t, position, err := d.Status(id)
	if errors.Is(err, ErrTransferNotFound) {
		return fmt.Sprintf("Transfer %s not found. It may have expired or been completed.", id), nil
	}
	if err != nil {
		return nil, err
	}
	var detail string
	switch t.Status {
	case StatusPending:
		detail = "Transfer is being processed..."
	case StatusInQueue:
		detail = fmt.Sprintf("Caller is in queue. Position: %d", position)
	case StatusConnecting:
		detail = "An agent is becoming available. Connecting..."
	case StatusConnected:
		detail = "Caller is now speaking with a human agent."
	}
	return fmt.Sprintf("Transfer Status: %s\n- Transfer ID: %s\n- Department: %s\n- %s",
		title(strings.ReplaceAll(string(t.Status), "_", " ")), t.ID, title(t.Department), detail), nil
}

func (d *Desk) queueTool(_ context.Context, args tools.Args) (any, error) {
	dept, q := d.Queue(args.String("department"))
	return fmt.Sprintf("Queue Status for %s:\n- Available agents: %d\n- Average wait time: ~%s\n- Current time: %s",
		title(dept), q.AgentsAvailable, formatWait(q.AvgWait), d.now().Format("03:04 PM")), nil
}

func title(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
