package playbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// NotificationSender is how the send_notification action reaches the
// notifier without the dispatcher depending on delivery details.
type NotificationSender interface {
	Send(ctx context.Context, contacts []string, subject, body string) error
}

// TaskSink is where create_task records follow-up work items.
type TaskSink interface {
	CreateTask(ctx context.Context, firmID, incidentID, title, assignee string) (taskID string, err error)
}

const httpActionBodyLimit = 1 << 20

// --- send_notification ---

type notificationAction struct {
	sender NotificationSender
}

// NewNotificationAction builds the send_notification action.
func NewNotificationAction(sender NotificationSender) Action {
	return &notificationAction{sender: sender}
}

func (a *notificationAction) Type() string        { return ActionSendNotification }
func (a *notificationAction) Description() string { return "Deliver a message to the listed contacts" }

func (a *notificationAction) ParamSchema() string {
	return `{
		"type": "object",
		"required": ["contacts", "message"],
		"properties": {
			"contacts": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
			"subject": {"type": "string"},
			"message": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`
}

func (a *notificationAction) Execute(ctx context.Context, in *ActionInput) (*ActionOutput, error) {
	contacts := stringSlice(in.Params["contacts"])
	subject, _ := in.Params["subject"].(string)
	if subject == "" {
		subject = fmt.Sprintf("Incident %s: %s", in.IncidentID, in.Step.Name)
	}
	message, _ := in.Params["message"].(string)

	if err := a.sender.Send(ctx, contacts, subject, message); err != nil {
		return nil, fmt.Errorf("sending notification: %w", err)
	}
	return &ActionOutput{
		Output: map[string]any{"contacts_notified": len(contacts)},
	}, nil
}

// --- call_webhook ---

type webhookAction struct {
	client *http.Client
}

// NewWebhookAction builds the call_webhook action.
func NewWebhookAction(client *http.Client) Action {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &webhookAction{client: client}
}

func (a *webhookAction) Type() string        { return ActionCallWebhook }
func (a *webhookAction) Description() string { return "POST the execution context to an external URL" }

func (a *webhookAction) ParamSchema() string {
	return `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "pattern": "^https?://"},
			"method": {"type": "string", "enum": ["POST", "PUT"]},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"body": {"type": "object"}
		},
		"additionalProperties": false
	}`
}

func (a *webhookAction) Execute(ctx context.Context, in *ActionInput) (*ActionOutput, error) {
	url, _ := in.Params["url"].(string)
	method, _ := in.Params["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	payload := map[string]any{
		"execution_id": in.ExecutionID,
		"incident_id":  in.IncidentID,
		"step_index":   in.Step.Index,
		"step_name":    in.Step.Name,
		"attempt":      in.Attempt,
	}
	if body, ok := in.Params["body"].(map[string]any); ok {
		payload["body"] = body
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := in.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, httpActionBodyLimit))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &ActionOutput{
		Output: map[string]any{"status_code": resp.StatusCode, "url": url},
	}, nil
}

// --- create_task ---

type taskAction struct {
	sink TaskSink
}

// NewTaskAction builds the create_task action.
func NewTaskAction(sink TaskSink) Action {
	return &taskAction{sink: sink}
}

func (a *taskAction) Type() string        { return ActionCreateTask }
func (a *taskAction) Description() string { return "Open a follow-up task for the incident" }

func (a *taskAction) ParamSchema() string {
	return `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1, "maxLength": 200},
			"assignee": {"type": "string"}
		},
		"additionalProperties": false
	}`
}

func (a *taskAction) Execute(ctx context.Context, in *ActionInput) (*ActionOutput, error) {
	title, _ := in.Params["title"].(string)
	assignee, _ := in.Params["assignee"].(string)

	taskID, err := a.sink.CreateTask(ctx, in.FirmID, in.IncidentID, title, assignee)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	return &ActionOutput{
		Output: map[string]any{"task_id": taskID},
	}, nil
}

// --- run_script ---

type scriptAction struct {
	// scriptDir is the only directory scripts may be loaded from.
	scriptDir string
	timeout   time.Duration
}

// NewScriptAction builds the run_script action. Scripts must live inside
// scriptDir; the action refuses anything that resolves outside it.
func NewScriptAction(scriptDir string) Action {
	return &scriptAction{scriptDir: scriptDir, timeout: 5 * time.Minute}
}

func (a *scriptAction) Type() string        { return ActionRunScript }
func (a *scriptAction) Description() string { return "Run an approved response script" }

func (a *scriptAction) ParamSchema() string {
	return `{
		"type": "object",
		"required": ["script"],
		"properties": {
			"script": {"type": "string", "pattern": "^[a-zA-Z0-9_.-]+$"},
			"args": {"type": "array", "items": {"type": "string"}, "maxItems": 16}
		},
		"additionalProperties": false
	}`
}

func (a *scriptAction) Execute(ctx context.Context, in *ActionInput) (*ActionOutput, error) {
	if a.scriptDir == "" {
		return nil, fmt.Errorf("permanent failure: no script directory configured")
	}
	name, _ := in.Params["script"].(string)
	path := filepath.Join(a.scriptDir, filepath.Base(name))

	args := stringSlice(in.Params["args"])
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = []string{
		"BASTION_EXECUTION_ID=" + in.ExecutionID,
		"BASTION_INCIDENT_ID=" + in.IncidentID,
	}

	out, err := cmd.CombinedOutput()
	output := truncate(string(out), 4096)
	if err != nil {
		return nil, fmt.Errorf("script %s failed: %w (output: %s)", name, err, output)
	}
	return &ActionOutput{
		Output: map[string]any{"script": name, "stdout": output},
	}, nil
}

// --- block_ip / isolate_host ---

// containmentAction covers the two containment steps. Both forward to a
// deployment-configured enforcement endpoint (firewall manager for
// block_ip, EDR console for isolate_host).
type containmentAction struct {
	actionType  string
	description string
	endpoint    string
	targetKey   string
	client      *http.Client
}

// NewBlockIPAction builds the block_ip action against the firewall
// endpoint.
func NewBlockIPAction(endpoint string, client *http.Client) Action {
	return newContainment(ActionBlockIP, "Block an IP address at the firewall", endpoint, "ip", client)
}

// NewIsolateHostAction builds the isolate_host action against the EDR
// endpoint.
func NewIsolateHostAction(endpoint string, client *http.Client) Action {
	return newContainment(ActionIsolateHost, "Isolate a host from the network", endpoint, "hostname", client)
}

func newContainment(actionType, description, endpoint, targetKey string, client *http.Client) Action {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &containmentAction{
		actionType:  actionType,
		description: description,
		endpoint:    endpoint,
		targetKey:   targetKey,
		client:      client,
	}
}

func (a *containmentAction) Type() string        { return a.actionType }
func (a *containmentAction) Description() string { return a.description }

func (a *containmentAction) ParamSchema() string {
	return fmt.Sprintf(`{
		"type": "object",
		"required": [%q],
		"properties": {
			%q: {"type": "string", "minLength": 1},
			"duration_minutes": {"type": "integer", "minimum": 1, "maximum": 10080}
		},
		"additionalProperties": false
	}`, a.targetKey, a.targetKey)
}

func (a *containmentAction) Execute(ctx context.Context, in *ActionInput) (*ActionOutput, error) {
	if a.endpoint == "" {
		return nil, fmt.Errorf("permanent failure: no enforcement endpoint configured for %s", a.actionType)
	}
	target, _ := in.Params[a.targetKey].(string)

	payload := map[string]any{
		"action":      a.actionType,
		a.targetKey:   target,
		"incident_id": in.IncidentID,
	}
	if d, ok := in.Params["duration_minutes"]; ok {
		payload["duration_minutes"] = d
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding containment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("building containment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling enforcement endpoint: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, httpActionBodyLimit))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &ActionOutput{
		Output: map[string]any{"target": target, "status_code": resp.StatusCode},
	}, nil
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
