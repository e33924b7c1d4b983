package sysutil

import (
	"context"
	"time"
)

// Retry 有界重试：最多 attempts 次，每次失败后固定退避。
// 质询弹窗和重枚举共用这一套，失败后由调用方落到确定的兜底动作
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
