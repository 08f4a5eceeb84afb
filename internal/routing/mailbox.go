// Package routing resolves the owning conductor for a node and delivers
// operations to it, locally over a channel or remotely over HTTP.
package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basaltfleet/basalt/internal/models"
)

// MailboxName derives a conductor's inbound address from its identity alone,
// so any component holding a hostname can address it without a directory
// lookup.
func MailboxName(hostname string) string {
	return "conductor." + hostname
}

// Mailboxes is the in-process registry of conductor inbound channels.
// Each conductor exposes exactly one addressable mailbox.
type Mailboxes struct {
	mu    sync.RWMutex
	boxes map[string]chan *models.Operation
}

// NewMailboxes creates an empty registry.
func NewMailboxes() *Mailboxes {
	return &Mailboxes{boxes: make(map[string]chan *models.Operation)}
}

// Open creates (or returns) the mailbox for hostname and hands back its
// receive side.
func (m *Mailboxes) Open(hostname string, buffer int) <-chan *models.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := MailboxName(hostname)
	if ch, ok := m.boxes[name]; ok {
		return ch
	}
	ch := make(chan *models.Operation, buffer)
	m.boxes[name] = ch
	return ch
}

// Close removes the mailbox for hostname. The channel itself is left open:
// a Deliver that resolved the channel before removal may still complete its
// send, and receivers exit through their own context rather than a close.
func (m *Mailboxes) Close(hostname string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boxes, MailboxName(hostname))
}

// Deliver sends op to hostname's mailbox, giving up after timeout or when
// ctx is cancelled. Delivery to an unknown mailbox fails immediately.
func (m *Mailboxes) Deliver(ctx context.Context, hostname string, op *models.Operation, timeout time.Duration) error {
	m.mu.RLock()
	ch, ok := m.boxes[MailboxName(hostname)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no mailbox for conductor %s", hostname)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- op:
		return nil
	case <-timer.C:
		return fmt.Errorf("mailbox send to %s timed out after %s", hostname, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
