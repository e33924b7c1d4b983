//go:build linux

package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/hwid"
	"github.com/Hara602/usbWarden/internal/model"
)

const sysUSBDevices = "/sys/bus/usb/devices"

type linuxSource struct {
	events chan model.RawDeviceEvent
	stop   chan struct{}
	mu     sync.Mutex
	byPath map[string]string // udev DEVPATH → raw id，remove 事件时反查
	log    *zap.Logger
}

func newSource() DeviceSource {
	return &linuxSource{
		events: make(chan model.RawDeviceEvent, 16),
		stop:   make(chan struct{}),
		byPath: make(map[string]string),
		log:    zap.NewNop(),
	}
}

// WithLogger 事件源自己的诊断日志
func WithLogger(src DeviceSource, log *zap.Logger) DeviceSource {
	if ls, ok := src.(*linuxSource); ok {
		ls.log = log
	}
	return src
}

func (w *linuxSource) Start() (<-chan model.RawDeviceEvent, error) {
	// 监听 UDEV 事件，连接 NETLINK_KOBJECT_UEVENT
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("watcher: connect netlink: %w", err)
	}

	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, nil)

	go func() {
		defer conn.Close()

		// 处理新事件前，先把已在位的设备补播一遍
		go w.announceExisting()

		for {
			select {
			case <-w.stop:
				close(quit)
				return
			case <-errChan:
				// 底层网络错误忽略，继续收
				continue
			case uevent := <-queue:
				w.handleUdevEvent(uevent)
			}
		}
	}()
	return w.events, nil
}

func (w *linuxSource) Stop() {
	close(w.stop)
}

// handleUdevEvent 只关心 usb_device 层级的插拔；
// 接口和分区层级的事件由同一物理设备的 add 覆盖
func (w *linuxSource) handleUdevEvent(uevent netlink.UEvent) {
	if uevent.Env["SUBSYSTEM"] != "usb" || uevent.Env["DEVTYPE"] != "usb_device" {
		return
	}
	switch uevent.Action {
	case "add":
		go w.handleAdd(string(uevent.Action), uevent.Env["DEVPATH"])
	case "remove":
		devPath := uevent.Env["DEVPATH"]
		w.mu.Lock()
		rawID, ok := w.byPath[devPath]
		delete(w.byPath, devPath)
		w.mu.Unlock()
		if !ok {
			return
		}
		w.events <- model.RawDeviceEvent{Action: "remove", RawID: rawID, TimeStamp: time.Now()}
	}
}

func (w *linuxSource) handleAdd(action, devPath string) {
	sysPath := "/sys" + devPath
	ev, ok := w.collect(sysPath)
	if !ok {
		return
	}
	w.mu.Lock()
	w.byPath[devPath] = ev.RawID
	w.mu.Unlock()
	w.events <- ev
}

// collect 从 sysfs 设备树采集身份、类别和复合拓扑
func (w *linuxSource) collect(sysPath string) (model.RawDeviceEvent, bool) {
	vid := readAttr(sysPath, "idVendor")
	pid := readAttr(sysPath, "idProduct")
	if vid == "" || pid == "" {
		return model.RawDeviceEvent{}, false // hub 或者还没就绪的节点
	}
	serial := readAttr(sysPath, "serial")
	product := readAttr(sysPath, "product")
	rev := readAttr(sysPath, "bcdDevice")

	id := hwid.New(vid, pid, rev)
	busID := filepath.Base(sysPath)
	suffix := serial
	if suffix == "" {
		suffix = busID
	}
	rawID := id.String() + `\` + suffix

	class, siblings := classifyInterfaces(sysPath, id, suffix)

	w.log.Debug("device information collected",
		zap.String("raw_id", rawID),
		zap.String("product", product),
		zap.String("class", string(class)),
		zap.Int("interfaces", len(siblings)))

	ev := model.RawDeviceEvent{
		Action:    "add",
		RawID:     rawID,
		Name:      product,
		ClassHint: string(class),
		Serial:    serial,
		TimeStamp: time.Now(),
	}
	if len(siblings) > 1 {
		// 复合设备：父节点本体 + 每个接口一个兄弟 id
		ev.ParentID = rawID
		ev.Siblings = siblings
	}
	return ev, true
}

// classifyInterfaces 遍历接口目录 (形如 1-1:1.0) 读 bInterfaceClass，
// 折算设备大类。一个设备树下同时有存储和 HID 接口是典型的 BadUSB 形态，
// 归为 Storage 让扫描路径先把它摁住
func classifyInterfaces(sysPath string, id model.HardwareID, suffix string) (model.DeviceClass, []string) {
	entries, err := os.ReadDir(sysPath)
	if err != nil {
		return model.ClassOther, nil
	}

	var (
		hasStorage, hasKeyboard, hasMouse, hasHID bool
		siblings                                  []string
	)
	ifaceIdx := 0
	for _, e := range entries {
		if !strings.Contains(e.Name(), ":") {
			continue
		}
		ifaceDir := filepath.Join(sysPath, e.Name())
		classCode := readAttr(ifaceDir, "bInterfaceClass")
		protocol := readAttr(ifaceDir, "bInterfaceProtocol")

		switch classCode {
		case "08":
			hasStorage = true
		case "03":
			switch protocol {
			case "01":
				hasKeyboard = true
			case "02":
				hasMouse = true
			default:
				hasHID = true
			}
		}

		sib := fmt.Sprintf(`%s&MI_%02d\%s`, id.String(), ifaceIdx, suffix)
		siblings = append(siblings, sib)
		ifaceIdx++
	}

	switch {
	case hasStorage:
		return model.ClassStorage, siblings
	case hasKeyboard:
		return model.ClassKeyboard, siblings
	case hasMouse:
		return model.ClassMouse, siblings
	case hasHID:
		return model.ClassHID, siblings
	default:
		return model.ClassOther, siblings
	}
}

// announceExisting 启动时扫一遍 /sys/bus/usb/devices，
// 先于 agent 插上的设备也要过一遍授权流水线
func (w *linuxSource) announceExisting() {
	entries, err := os.ReadDir(sysUSBDevices)
	if err != nil {
		w.log.Error("failed to scan existing devices", zap.Error(err))
		return
	}
	found := 0
	for _, e := range entries {
		name := e.Name()
		if strings.Contains(name, ":") || strings.HasPrefix(name, "usb") {
			continue // 接口节点和 host controller 跳过
		}
		sysPath := filepath.Join(sysUSBDevices, name)
		realPath, err := filepath.EvalSymlinks(sysPath)
		if err != nil {
			continue
		}
		ev, ok := w.collect(realPath)
		if !ok {
			continue
		}
		found++
		w.log.Info("🔍 found existing USB device", zap.String("raw_id", ev.RawID))
		w.mu.Lock()
		w.byPath[strings.TrimPrefix(realPath, "/sys")] = ev.RawID
		w.mu.Unlock()
		w.events <- ev
	}
	if found == 0 {
		w.log.Info("no existing USB devices")
	}
}

func readAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
