package sshconfig

import (
	"fmt"
	"strconv"
	"strings"
)

// validateParam 验证会被转换成连接参数的几个键
func validateParam(key, value string, lineNumber int) error {
	lowerKey := strings.ToLower(key)
	switch lowerKey {
	case "identityfile", "hostname", "user":
		if strings.TrimSpace(value) == "" {
			return &ConfigError{"validate", fmt.Errorf("line %d: %s requires a value", lineNumber, key)}
		}
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return &ConfigError{"validate", fmt.Errorf("line %d: Port must be numeric", lineNumber)}
		}
		if port < 1 || port > 65535 {
			return &ConfigError{"validate", fmt.Errorf("line %d: Port must be between 1 and 65535", lineNumber)}
		}
	}
	return nil
}
