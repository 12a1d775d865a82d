//go:build !dev

package devlog

const buildEnabled = false
