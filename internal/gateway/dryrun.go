package gateway

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/HerbHall/netmedic/pkg/models"
)

// DryRunExecutor logs the commands it would run and reports success
// without contacting the device.
type DryRunExecutor struct {
	logger *zap.Logger
}

// NewDryRunExecutor creates a dry-run executor.
func NewDryRunExecutor(logger *zap.Logger) *DryRunExecutor {
	return &DryRunExecutor{logger: logger}
}

func (e *DryRunExecutor) Remediate(ctx context.Context, device models.Device) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(device.Remediation.Commands) == 0 {
		return "", ErrNoCommands
	}
	e.logger.Info("dry-run remediation",
		zap.String("device_id", device.ID),
		zap.String("host", device.Host),
		zap.Strings("commands", device.Remediation.Commands),
	)
	return "dry-run: " + strings.Join(device.Remediation.Commands, "; "), nil
}
