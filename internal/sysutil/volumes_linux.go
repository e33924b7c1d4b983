//go:build linux

package sysutil

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

// BlockVolumeResolver 把 USB 设备身份映射到已挂载的文件系统路径。
// 路径：/sys/block 下的块设备 → 沿 sysfs 目录树上溯找到 USB 设备节点
// → 比对 idVendor/idProduct → 在 /proc/mounts 里找这个块设备的挂载点。
// Udev add 事件到达时分区常常还没挂上，所以整体带一个有界等待窗口
type BlockVolumeResolver struct {
	blockRoot string
	devRoot   string
	wait      time.Duration
	log       *zap.Logger
}

func NewBlockVolumeResolver(wait time.Duration, log *zap.Logger) *BlockVolumeResolver {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BlockVolumeResolver{
		blockRoot: "/sys/block",
		devRoot:   "/dev",
		wait:      wait,
		log:       log,
	}
}

func (r *BlockVolumeResolver) FindMountedVolume(ctx context.Context, dev model.Device) (string, error) {
	deadline := time.Now().Add(r.wait)
	for {
		if mp := r.locate(dev); mp != "" {
			return mp, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("sysutil: no mounted volume for %s within %s", dev.RawID, r.wait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (r *BlockVolumeResolver) locate(dev model.Device) string {
	entries, err := os.ReadDir(r.blockRoot)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") ||
			strings.HasPrefix(name, "dm-") || strings.HasPrefix(name, "zram") {
			continue
		}
		realPath, err := filepath.EvalSymlinks(filepath.Join(r.blockRoot, name))
		if err != nil {
			continue
		}
		if !r.ownedBy(realPath, dev) {
			continue
		}
		// 先找分区挂载点，分区都没挂再看整盘
		for _, node := range r.candidateNodes(name) {
			if mp := lookupMount(node); mp != "" {
				r.log.Debug("volume located",
					zap.String("raw_id", dev.RawID),
					zap.String("node", node),
					zap.String("mount", mp))
				return mp
			}
		}
	}
	return ""
}

// ownedBy 从块设备的 sysfs 真实路径向上走，找到带 idVendor/idProduct
// 的祖先节点并比对身份。序列号两边都有值时也要一致
func (r *BlockVolumeResolver) ownedBy(realPath string, dev model.Device) bool {
	for dir := realPath; dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		vid := readSysAttr(dir, "idVendor")
		if vid == "" {
			continue
		}
		pid := readSysAttr(dir, "idProduct")
		if !strings.EqualFold(vid, dev.Identity.VendorID) || !strings.EqualFold(pid, dev.Identity.ProductID) {
			return false
		}
		serial := readSysAttr(dir, "serial")
		if serial != "" && dev.Serial != "" && serial != dev.Serial {
			return false
		}
		return true
	}
	return false
}

// candidateNodes 返回 /dev/sdX1.. 分区节点，排在整盘 /dev/sdX 前面
func (r *BlockVolumeResolver) candidateNodes(blockName string) []string {
	var nodes []string
	subs, err := os.ReadDir(filepath.Join(r.blockRoot, blockName))
	if err == nil {
		for _, s := range subs {
			if strings.HasPrefix(s.Name(), blockName) {
				nodes = append(nodes, filepath.Join(r.devRoot, s.Name()))
			}
		}
	}
	return append(nodes, filepath.Join(r.devRoot, blockName))
}

// lookupMount 在 /proc/mounts 里找一个块设备节点的挂载点
func lookupMount(devNode string) string {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == devNode {
			return fields[1]
		}
	}
	return ""
}

func readSysAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
