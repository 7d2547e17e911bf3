package notify

import (
	"context"
	"sync"

	"bastion/playbook"
)

// MockSender records notifications for tests.
type MockSender struct {
	mu   sync.Mutex
	Sent []MockNotification
	Fail error
}

type MockNotification struct {
	Contacts []string
	Subject  string
	Body     string
}

func (m *MockSender) Send(ctx context.Context, contacts []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Sent = append(m.Sent, MockNotification{Contacts: contacts, Subject: subject, Body: body})
	return nil
}

func (m *MockSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

var _ playbook.NotificationSender = (*MockSender)(nil)
