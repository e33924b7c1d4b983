package watcher

import "github.com/Hara602/usbWarden/internal/model"

// DeviceSource 设备插拔事件源，OS 相关实现按构建标签拆分
type DeviceSource interface {
	Start() (<-chan model.RawDeviceEvent, error)
	Stop()
}

func New() DeviceSource {
	return newSource()
}
