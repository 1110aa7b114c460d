// Package companion implements the optional secondary-factor gate: the session
// only counts as attended while a paired companion device reports connected.
package companion

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/andresmejia3/presence-guard/internal/utils"
)

// ConnectedMarker is what bluetoothctl prints for a connected device.
const ConnectedMarker = "Connected: yes"

// Gate queries an external connectivity command.
type Gate struct {
	Argv    []string
	Marker  string
	Timeout time.Duration
	logger  *slog.Logger
}

// NewBluetoothGate checks `bluetoothctl info <identifier>`.
func NewBluetoothGate(identifier string, timeout time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		Argv:    []string{"bluetoothctl", "info", identifier},
		Marker:  ConnectedMarker,
		Timeout: timeout,
		logger:  logger,
	}
}

// Present is fail-closed: any execution failure means "not present".
func (g *Gate) Present(ctx context.Context) bool {
	out, err := utils.RunBounded(ctx, g.Timeout, g.Argv)
	if err != nil {
		g.logger.Warn("companion check error", "error", err)
		return false
	}
	return bytes.Contains(out, []byte(g.Marker))
}
