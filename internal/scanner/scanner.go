// Package scanner 存储卷的启发式恶意文件扫描。
// 纯分析组件：输入挂载点，输出一次性的 ScanResult，
// 结论是否构成阻断由调用方按阈值策略判定
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

// Config 扫描边界和并发度
type Config struct {
	Timeout        time.Duration // 墙钟硬上限
	MaxFiles       int           // 文件数硬上限
	Workers        int           // 分类 worker 数
	ContentSizeCap int64         // 超过只做元数据检查
}

func DefaultConfig() Config {
	return Config{
		Timeout:        3 * time.Minute,
		MaxFiles:       20000,
		Workers:        4,
		ContentSizeCap: 50 << 20,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = def.MaxFiles
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.ContentSizeCap <= 0 {
		c.ContentSizeCap = def.ContentSizeCap
	}
}

// Thresholds 威胁判定阈值，策略旋钮不是扫描器不变量
type Thresholds struct {
	Critical int // 达到即判定，默认 1
	High     int // 默认 3
	Medium   int // 默认 5
}

func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 1, High: 3, Medium: 5}
}

// Detected 按阈值判定一次扫描结果是否构成 "发现威胁"
func (t Thresholds) Detected(r *model.ScanResult) bool {
	counts := r.TierCounts()
	if t.Critical > 0 && counts[model.TierCritical] >= t.Critical {
		return true
	}
	if t.High > 0 && counts[model.TierHigh] >= t.High {
		return true
	}
	if t.Medium > 0 && counts[model.TierMedium] >= t.Medium {
		return true
	}
	return false
}

type Scanner struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Scanner {
	cfg.applyDefaults()
	return &Scanner{cfg: cfg, log: log}
}

type fileJob struct {
	path string
	size int64
}

// Scan 扫描一个挂载卷。超时返回 Completed=false 的部分结果而不是报错，
// 调用方拿部分结果照样做 fail-closed 判定
func (s *Scanner) Scan(ctx context.Context, volumeRoot string) *model.ScanResult {
	start := time.Now()
	result := &model.ScanResult{ScanID: uuid.NewString()}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	s.log.Info("scan started",
		zap.String("scan_id", result.ScanID),
		zap.String("root", volumeRoot))

	files, truncated, err := s.discover(ctx, volumeRoot)
	if err != nil {
		result.Err = err.Error()
		result.Elapsed = time.Since(start)
		return result
	}

	jobs := make(chan fileJob)
	var (
		mu      sync.Mutex
		threats []model.ThreatRecord
		scanned int
		nbytes  int64
	)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				rec := s.classifyFile(job.path, job.size)
				mu.Lock()
				scanned++
				nbytes += job.size
				if rec != nil {
					threats = append(threats, *rec)
				}
				mu.Unlock()
			}
		}()
	}

	timedOut := ctx.Err() != nil // 发现阶段就可能把预算用完
dispatch:
	for _, job := range files {
		select {
		case <-ctx.Done():
			timedOut = true
			break dispatch
		case jobs <- job:
		}
	}
	close(jobs)
	wg.Wait()

	// 威胁列表按路径排序，结果可复现
	sort.Slice(threats, func(i, j int) bool { return threats[i].Path < threats[j].Path })

	result.FilesScanned = scanned
	result.BytesScanned = nbytes
	result.Threats = threats
	result.Elapsed = time.Since(start)
	result.Completed = !timedOut && !truncated
	if timedOut {
		result.Err = "scan wall-clock budget exceeded"
	} else if truncated {
		result.Err = "file count ceiling reached"
	}

	s.log.Info("scan finished",
		zap.String("scan_id", result.ScanID),
		zap.Int("files", result.FilesScanned),
		zap.Int("threats", len(result.Threats)),
		zap.Bool("completed", result.Completed),
		zap.Duration("elapsed", result.Elapsed))
	return result
}

// discover 广度优先收集文件，跳过系统元数据目录，不跟符号链接。
// 到达文件数上限时截断并告知调用方
func (s *Scanner) discover(ctx context.Context, root string) ([]fileJob, bool, error) {
	var files []fileJob
	queue := []string{root}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return files, true, nil
		default:
		}

		dir := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(dir)
		if err != nil {
			if dir == root {
				return nil, false, err // 根目录读不了才算硬失败
			}
			continue
		}

		for _, e := range entries {
			if e.Type()&os.ModeSymlink != 0 {
				continue
			}
			full := filepath.Join(dir, e.Name())
			if e.IsDir() {
				if skipDirs[strings.ToLower(e.Name())] {
					continue
				}
				queue = append(queue, full)
				continue
			}
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, fileJob{path: full, size: info.Size()})
			if len(files) >= s.cfg.MaxFiles {
				return files, true, nil
			}
		}
	}
	return files, false, nil
}
