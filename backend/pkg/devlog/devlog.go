// Package devlog is a process-wide console logger that only speaks in
// development builds (go build -tags dev). In release builds every call
// is a no-op.
package devlog

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.Mutex
	enabled = buildEnabled
	out     io.Writer = os.Stderr
	logger  = newLogger(out)
)

func newLogger(w io.Writer) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if w != os.Stderr {
		// 非终端输出不带颜色
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.TimeKey = ""
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core).Sugar()
}

// Enabled reports whether this is a development build.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// SetOutput redirects the sink. Mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	logger = newLogger(w)
}

// current returns the active logger, or nil when disabled.
func current() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if !enabled {
		return nil
	}
	return logger
}

// Log forwards to the info sink, like console.log.
func Log(args ...any) {
	if l := current(); l != nil {
		l.Infoln(args...)
	}
}

func Info(args ...any) {
	if l := current(); l != nil {
		l.Infoln(args...)
	}
}

func Warn(args ...any) {
	if l := current(); l != nil {
		l.Warnln(args...)
	}
}

func Error(args ...any) {
	if l := current(); l != nil {
		l.Errorln(args...)
	}
}

func Debug(args ...any) {
	if l := current(); l != nil {
		l.Debugln(args...)
	}
}

// Table prints rows as an aligned text table. data may be a []map[string]any
// (columns are the sorted union of keys) or a [][]string whose first row is
// the header.
func Table(data any) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	switch rows := data.(type) {
	case [][]string:
		for _, row := range rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
	case []map[string]any:
		var cols []string
		seen := map[string]bool{}
		for _, row := range rows {
			for k := range row {
				if !seen[k] {
					seen[k] = true
					cols = append(cols, k)
				}
			}
		}
		sort.Strings(cols)
		fmt.Fprintln(tw, "(index)\t"+strings.Join(cols, "\t"))
		for i, row := range rows {
			cells := make([]string, 0, len(cols)+1)
			cells = append(cells, fmt.Sprint(i))
			for _, c := range cols {
				v, ok := row[c]
				if !ok {
					cells = append(cells, "")
					continue
				}
				cells = append(cells, fmt.Sprint(v))
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
		}
	default:
		fmt.Fprintf(tw, "%v\n", data)
	}
	_ = tw.Flush()
}
