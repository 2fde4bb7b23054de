// Package probe answers readiness: can this process currently reach
// the broker and the job repository.
package probe

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pinger is the narrow health surface a dependency exposes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DependencyStatus is one dependency's verdict.
type DependencyStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

// Report is the full readiness verdict.
type Report struct {
	Ready     bool             `json:"ready"`
	CheckedAt time.Time        `json:"timestamp"`
	Queue     DependencyStatus `json:"queue"`
	Repo      DependencyStatus `json:"repo"`
}

// Probe checks the broker and repository in parallel, each under its
// own deadline.
type Probe struct {
	queue   Pinger
	repo    Pinger
	timeout time.Duration
}

// New builds a probe. A non-positive timeout defaults to two seconds.
func New(queue, repo Pinger, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Probe{queue: queue, repo: repo, timeout: timeout}
}

// Check pings both dependencies concurrently. A slow or failing
// dependency never blocks the other's verdict.
func (p *Probe) Check(ctx context.Context) Report {
	var queueStatus, repoStatus DependencyStatus

	var g errgroup.Group
	g.Go(func() error {
		queueStatus = p.ping(ctx, p.queue)
		return nil
	})
	g.Go(func() error {
		repoStatus = p.ping(ctx, p.repo)
		return nil
	})
	_ = g.Wait()

	return Report{
		Ready:     queueStatus.Status == statusOK && repoStatus.Status == statusOK,
		CheckedAt: time.Now().UTC(),
		Queue:     queueStatus,
		Repo:      repoStatus,
	}
}

// Ready is the boolean shortcut for handlers that only gate on it.
func (p *Probe) Ready(ctx context.Context) bool {
	return p.Check(ctx).Ready
}

func (p *Probe) ping(ctx context.Context, dep Pinger) DependencyStatus {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := dep.Ping(ctx); err != nil {
		return DependencyStatus{Status: statusError, Reason: Classify(err)}
	}
	return DependencyStatus{Status: statusOK}
}

// Classify maps a ping failure onto a small operator-facing vocabulary.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection_refused"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth") || strings.Contains(msg, "password"):
		return "auth_failed"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host"):
		return "dns_error"
	default:
		return "unreachable"
	}
}
