package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// GenerateRunID 生成结果提交关联ID（高精度时间戳+随机后缀，碰撞概率可忽略）
func GenerateRunID() string {
	timestamp := time.Now().UnixNano()
	suffix, err := SecureRandomInt(10000)
	if err != nil {
		suffix = timestamp % 10000
	}
	return fmt.Sprintf("run_%d_%04d", timestamp, suffix)
}

// FormatSats 格式化分数显示
func FormatSats(sats int) string {
	return fmt.Sprintf("%d sats", sats)
}

// SecureRandomInt 生成安全的随机整数
func SecureRandomInt(max int64) (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}
