package notify

import (
	"context"
	"fmt"
	"strings"

	"bastion/metrics"
	"bastion/playbook"
)

// Escalator notifies a playbook's escalation path when an execution
// aborts or a step runs out of retries.
type Escalator struct {
	notifier *Notifier
}

func NewEscalator(notifier *Notifier) *Escalator {
	return &Escalator{notifier: notifier}
}

// EscalateAbort notifies the escalation path that an execution was aborted.
func (e *Escalator) EscalateAbort(ctx context.Context, pb *playbook.Playbook, exec *playbook.Execution, reason string) error {
	subject := fmt.Sprintf("[%s] Playbook %q aborted for incident %s",
		strings.ToUpper(string(pb.Severity)), pb.Name, exec.IncidentID)
	body := fmt.Sprintf("Execution %s of playbook %q was aborted at step %d.\n\nReason: %s\n",
		exec.ID, pb.Name, exec.CurrentStepIndex, reason)
	return e.send(ctx, pb, exec, subject, body)
}

// EscalateExhausted notifies the escalation path that a step has failed
// on every allowed attempt and is waiting on an operator.
func (e *Escalator) EscalateExhausted(ctx context.Context, pb *playbook.Playbook, exec *playbook.Execution) error {
	step, ok := exec.CurrentStep()
	stepName := "unknown"
	if ok {
		stepName = step.Name
	}
	subject := fmt.Sprintf("[%s] Playbook %q stalled on incident %s",
		strings.ToUpper(string(pb.Severity)), pb.Name, exec.IncidentID)
	body := fmt.Sprintf("Execution %s of playbook %q has exhausted retries on step %d (%s).\n\nAn operator must skip the step, retry it, or abort the execution.\n",
		exec.ID, pb.Name, exec.CurrentStepIndex, stepName)
	return e.send(ctx, pb, exec, subject, body)
}

func (e *Escalator) send(ctx context.Context, pb *playbook.Playbook, exec *playbook.Execution, subject, body string) error {
	if len(pb.EscalationPath) == 0 {
		return nil
	}
	metrics.EscalationsNotified.Inc()
	return e.notifier.Send(ctx, Message{
		FirmID:   exec.FirmID,
		Contacts: pb.EscalationPath,
		Subject:  subject,
		Body:     body,
		Severity: pb.Severity,
	})
}

// Sender adapts Notifier to the step action contract used by the
// send_notification action type. Step notifications carry no severity
// of their own so every channel receives them.
type Sender struct {
	notifier *Notifier
}

func NewSender(notifier *Notifier) *Sender {
	return &Sender{notifier: notifier}
}

func (s *Sender) Send(ctx context.Context, contacts []string, subject, body string) error {
	return s.notifier.Send(ctx, Message{
		Contacts: contacts,
		Subject:  subject,
		Body:     body,
	})
}

var _ playbook.NotificationSender = (*Sender)(nil)
