package utils

import (
	"go.uber.org/zap"
)

// Recover 捕获 panic 并记录错误日志，必须直接 defer 调用
func Recover(logger *zap.Logger) {
	if r := recover(); r != nil {
		if logger == nil {
			logger = zap.L()
		}
		logger.Error("recovered from panic", zap.Any("panic", r), zap.Stack("stack"))
	}
}
