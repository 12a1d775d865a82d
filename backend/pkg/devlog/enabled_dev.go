//go:build dev

package devlog

// dev 构建下打开日志输出
const buildEnabled = true
