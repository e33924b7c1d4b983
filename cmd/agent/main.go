package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/audit"
	"github.com/Hara602/usbWarden/internal/authcache"
	"github.com/Hara602/usbWarden/internal/config"
	"github.com/Hara602/usbWarden/internal/enforce"
	"github.com/Hara602/usbWarden/internal/engine"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/rulestore"
	"github.com/Hara602/usbWarden/internal/scanner"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"github.com/Hara602/usbWarden/internal/watcher"
)

// staticChallenge 无人值守场景的质询兜底：
// 配置放开时 HID 类放行，其余一律拒绝。交互式质询由外部协作方接管
type staticChallenge struct {
	approveHID bool
}

func (s staticChallenge) Challenge(_ context.Context, dev model.Device) (model.Verdict, error) {
	if s.approveHID {
		switch dev.Class {
		case model.ClassKeyboard, model.ClassMouse, model.ClassHID:
			return model.VerdictAllow, nil
		}
	}
	return model.VerdictDeny, nil
}

func main() {
	cfgPath := flag.String("config", "", "agent config file (JSON)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	// 初始化日志
	log := sysutil.NewLogger(cfg.Debug)
	defer log.Sync()

	// Netlink 监听和 sysfs authorized 写入需要 Root 权限，
	// 没有就进降级模式 (只走策略表)
	if os.Geteuid() != 0 {
		log.Warn("not running as root, instance-level enforcement will be degraded")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("data dir init failed", zap.Error(err))
	}

	log.Info("🛡️ USB Warden Agent Starting...")

	// 初始化核心模块 (依赖注入)
	sink, err := audit.OpenSQLite(cfg.AuditDBFile)
	if err != nil {
		log.Fatal("audit store init failed", zap.Error(err))
	}
	defer sink.Close()

	rules, err := rulestore.Open(cfg.AllowRuleFile, cfg.DenyRuleFile, log)
	if err != nil {
		log.Fatal("rule store init failed", zap.Error(err))
	}

	enf, err := enforce.New(
		enforce.NewSysfsPolicyStore(cfg.PolicyListFile),
		enforce.NewSysfsInstanceController(),
		enforce.NewSysfsRescanner(),
		log,
	)
	if err != nil {
		log.Fatal("enforcer init failed", zap.Error(err))
	}
	if cfg.DefaultDeny {
		if err := enf.SetDefaultDeny(true); err != nil {
			log.Warn("default-deny not applied, relying on per-device decisions", zap.Error(err))
		}
	}

	cache := authcache.New(map[model.DeviceClass]time.Duration{
		model.ClassKeyboard: time.Duration(cfg.Cache.KeyboardTTLSec) * time.Second,
		model.ClassMouse:    time.Duration(cfg.Cache.MouseTTLSec) * time.Second,
	}, time.Duration(cfg.Cache.DefaultTTLSec)*time.Second, log)

	grace := authcache.New(nil, time.Duration(cfg.Cache.StorageGraceSec)*time.Second, log)

	scn := scanner.New(scanner.Config{
		Timeout:        time.Duration(cfg.Scan.TimeoutSec) * time.Second,
		MaxFiles:       cfg.Scan.MaxFiles,
		Workers:        cfg.Scan.Workers,
		ContentSizeCap: cfg.Scan.ContentSizeCapMB << 20,
	}, log)

	volumes := sysutil.NewBlockVolumeResolver(time.Duration(cfg.Scan.MountWaitSec)*time.Second, log)

	eng := engine.New(
		engine.Config{
			ChallengeAttempts: cfg.Challenge.Attempts,
			ChallengeBackoff:  time.Duration(cfg.Challenge.BackoffMs) * time.Millisecond,
			EventBuffer:       cfg.EventBuffer,
			Thresholds: scanner.Thresholds{
				Critical: cfg.Scan.CriticalThreshold,
				High:     cfg.Scan.HighThreshold,
				Medium:   cfg.Scan.MediumThreshold,
			},
		},
		rules, cache, grace, scn, volumes,
		staticChallenge{approveHID: cfg.AutoApproveHID},
		enf, sink, log,
	)

	// 维护任务：缓存定期清扫 + 审计库按保留期裁剪
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Fatal("scheduler init failed", zap.Error(err))
	}
	sweepEvery := time.Duration(cfg.Cache.SweepIntervalSec) * time.Second
	if _, err := sched.NewJob(gocron.DurationJob(sweepEvery), gocron.NewTask(func() {
		cache.Sweep()
		grace.Sweep()
	})); err != nil {
		log.Fatal("sweep job init failed", zap.Error(err))
	}
	if _, err := sched.NewJob(gocron.DurationJob(24*time.Hour), gocron.NewTask(func() {
		cutoff := time.Now().AddDate(0, 0, -cfg.AuditRetentionDays)
		pruneCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := sink.Prune(pruneCtx, cutoff); err != nil {
			log.Error("audit prune failed", zap.Error(err))
		} else if n > 0 {
			log.Info("audit records pruned", zap.Int64("count", n))
		}
	})); err != nil {
		log.Fatal("prune job init failed", zap.Error(err))
	}
	sched.Start()
	defer sched.Shutdown()

	// 启动事件源
	src := watcher.WithLogger(watcher.New(), log)
	usbEvents, err := src.Start()
	if err != nil {
		log.Fatal("watcher init failed", zap.Error(err))
	}
	defer src.Stop()

	// 捕获操作系统信号，优雅关闭
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down...")
		cancel()
	}()

	go consumeEvents(eng, rules, log)

	eng.Run(ctx, usbEvents)
}

// consumeEvents 引擎生命周期事件的默认消费方：
// 结构化日志输出，质询通过的设备补一条允许规则，下次免质询
func consumeEvents(eng *engine.Engine, rules *rulestore.Store, log *zap.Logger) {
	for ev := range eng.Events() {
		switch ev.Kind {
		case model.EventDeviceObserved:
			log.Info("🔌 USB connected",
				zap.String("raw_id", ev.Device.RawID),
				zap.String("product", ev.Device.Name),
				zap.String("class", string(ev.Device.Class)),
			)

		case model.EventAuthorizationDecided:
			if ev.Verdict == model.VerdictAllow {
				log.Info("✅ device trusted",
					zap.String("raw_id", ev.Device.RawID),
					zap.String("method", string(ev.Method)),
				)
				if ev.Method == model.MethodChallenge {
					if _, err := rules.AddAllow(ev.Device, "challenge passed", "agent"); err != nil {
						log.Error("failed to persist allow rule", zap.Error(err))
					}
				}
			} else {
				log.Warn("⛔ device blocked",
					zap.String("raw_id", ev.Device.RawID),
					zap.String("status", ev.Device.Status.String()),
					zap.String("method", string(ev.Method)),
					zap.String("reason", ev.Reason),
				)
			}

		case model.EventThreatFound:
			log.Error("🚨 THREAT DETECTED",
				zap.String("raw_id", ev.Device.RawID),
				zap.String("path", ev.Threat.Path),
				zap.String("tier", ev.Threat.Tier.String()),
				zap.String("reason", ev.Threat.Reason),
			)

		case model.EventDegradedMode:
			log.Warn("⚠️ running degraded", zap.String("reason", ev.Reason))
		}
	}
}
