package process

import (
	"log/slog"
	"os"
)

// SelfTerminator ends the guardian's own process
type SelfTerminator struct {
	logger *slog.Logger
	exit   func(code int)
}

// NewSelfTerminator creates a terminator for the current process
func NewSelfTerminator(logger *slog.Logger) *SelfTerminator {
	return &SelfTerminator{logger: logger.With("component", "process"), exit: os.Exit}
}

// TerminateSelf kills the current process. It does not return.
func (t *SelfTerminator) TerminateSelf(reason string) {
	t.logger.Error("Terminating guardian process", "reason", reason, "pid", os.Getpid())

	if p, err := os.FindProcess(os.Getpid()); err == nil {
		_ = p.Kill()
	}
	t.exit(137)
}
