//go:build windows

package sysutil

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

type BlockVolumeResolver struct{}

func NewBlockVolumeResolver(_ time.Duration, _ *zap.Logger) *BlockVolumeResolver {
	return &BlockVolumeResolver{}
}

func (r *BlockVolumeResolver) FindMountedVolume(_ context.Context, _ model.Device) (string, error) {
	return "", errors.New("sysutil: volume resolution not implemented on this platform")
}
