package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// Notifier sends sd_notify messages over NOTIFY_SOCKET
type Notifier struct {
	socket string
	mu     sync.Mutex
	conn   net.Conn
}

// NewNotifier creates a notifier for the socket named in NOTIFY_SOCKET
func NewNotifier() *Notifier {
	return &Notifier{socket: os.Getenv("NOTIFY_SOCKET")}
}

// IsAvailable reports whether a notify socket is configured
func (n *Notifier) IsAvailable() bool {
	return n.socket != ""
}

func (n *Notifier) send(message string) error {
	if !n.IsAvailable() {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		conn, err := net.Dial("unixgram", n.socket)
		if err != nil {
			return fmt.Errorf("failed to connect to systemd socket: %w", err)
		}
		n.conn = conn
	}
	_, err := n.conn.Write([]byte(message))
	return err
}

// NotifyReady notifies systemd that the service is ready
func (n *Notifier) NotifyReady() error {
	return n.send("READY=1\n")
}

// NotifyStopping notifies systemd that the service is stopping
func (n *Notifier) NotifyStopping() error {
	return n.send("STOPPING=1\n")
}

// NotifyWatchdog pings the systemd watchdog
func (n *Notifier) NotifyWatchdog() error {
	return n.send("WATCHDOG=1\n")
}

// NotifyStatus updates the status line shown by systemctl
func (n *Notifier) NotifyStatus(status string) error {
	return n.send(fmt.Sprintf("STATUS=%s\n", status))
}

// Close closes the notification connection
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}

// RunWatchdog pings the watchdog every interval until ctx is done. healthy
// gates each ping so a wedged service stops feeding the watchdog.
func (n *Notifier) RunWatchdog(ctx context.Context, interval time.Duration, healthy func() bool, logger *slog.Logger) {
	if !n.IsAvailable() || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if healthy != nil && !healthy() {
				continue
			}
			if err := n.NotifyWatchdog(); err != nil {
				logger.Warn("Failed to notify systemd watchdog", "error", err)
			}
		}
	}
}

// WatchdogInterval returns half of WATCHDOG_USEC, or zero when the watchdog is off
func WatchdogInterval() time.Duration {
	usec := os.Getenv("WATCHDOG_USEC")
	if usec == "" {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(usec, "%d", &n); err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Microsecond / 2
}
