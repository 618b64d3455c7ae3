package runner

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/fatih/color"
)

// LogWriter is an interface for writing per-target output.
// Implementations mask secrets, some of them colorize.
type LogWriter interface {
	io.Writer
	Printf(format string, v ...any)
	WithTarget(name, engine string) LogWriter
}

// Logs has two LogWriters, Info for progress and plans, SQL for statements printed on dry run
type Logs struct {
	Info LogWriter
	SQL  LogWriter
}

// MakeLogs creates loggers writing to stdout. Info is always colorized per target.
// SQL goes to the colorized writer when verbose is set and to the standard log with DEBUG level otherwise.
func MakeLogs(verbose, bw bool, secrets []string) Logs {
	return MakeLogsTo(os.Stdout, verbose, bw, secrets)
}

// MakeLogsTo is MakeLogs with a custom destination
func MakeLogsTo(wr io.Writer, verbose, bw bool, secrets []string) Logs {
	var sqlLog LogWriter = &stdOutLogWriter{prefix: " >", level: "DEBUG", secrets: secrets}
	if verbose {
		sqlLog = &colorizedWriter{wr: wr, prefix: " >", secrets: secrets, monochrome: bw}
	}
	return Logs{
		Info: &colorizedWriter{wr: wr, secrets: secrets, monochrome: bw},
		SQL:  sqlLog,
	}
}

// WithTarget makes Logs with the target name and engine for each LogWriter
func (l Logs) WithTarget(name, engine string) Logs {
	return Logs{Info: l.Info.WithTarget(name, engine), SQL: l.SQL.WithTarget(name, engine)}
}

// colorizedWriter writes lines prefixed with [target engine], color picked by target name
type colorizedWriter struct {
	wr         io.Writer
	prefix     string
	target     string
	engine     string
	secrets    []string
	monochrome bool
}

func (s *colorizedWriter) WithTarget(name, engine string) LogWriter {
	return &colorizedWriter{wr: s.wr, prefix: s.prefix, target: name, engine: engine,
		secrets: s.secrets, monochrome: s.monochrome}
}

func (s *colorizedWriter) Printf(format string, v ...any) {
	fmt.Fprintf(s, format, v...)
}

// Write writes each line of p with the colorized target prefix. A missing trailing newline is added.
func (s *colorizedWriter) Write(p []byte) (n int, err error) {
	id := s.target
	if s.engine != "" {
		id = s.target + " " + s.engine
	}
	colorizer := s.colorizer(s.target)
	scanner := bufio.NewScanner(bytes.NewReader(p))
	for scanner.Scan() {
		line := fmt.Sprintf("[%s]%s %s", id, s.prefix, scanner.Text())
		if _, err = io.WriteString(s.wr, colorizer("%s\n", maskSecrets(line, s.secrets))); err != nil {
			return 0, err
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *colorizedWriter) colorizer(target string) func(format string, a ...any) string {
	colors := []color.Attribute{
		color.FgHiGreen, color.FgHiYellow, color.FgHiBlue,
		color.FgHiMagenta, color.FgHiCyan, color.FgGreen,
		color.FgYellow, color.FgBlue, color.FgMagenta, color.FgCyan,
	}
	c := colors[crc32.ChecksumIEEE([]byte(target))%uint32(len(colors))]
	if s.monochrome {
		c = color.Reset
	}
	return color.New(c).SprintfFunc()
}

func maskSecrets(s string, secrets []string) string {
	for _, secret := range secrets {
		if strings.TrimSpace(secret) == "" {
			continue
		}
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(secret) + `\b`)
		s = re.ReplaceAllString(s, "****")
	}
	return s
}

// stdOutLogWriter writes to the standard log with a prefix and a level
type stdOutLogWriter struct {
	prefix  string
	level   string
	target  string
	secrets []string
}

func (w *stdOutLogWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}
		w.Printf("%s", line)
	}
	return len(p), nil
}

func (w *stdOutLogWriter) Printf(format string, v ...any) {
	line := maskSecrets(fmt.Sprintf(format, v...), w.secrets)
	if w.target != "" {
		log.Printf("[%s] %s %s: %s", w.level, w.prefix, w.target, strings.TrimSuffix(line, "\n"))
		return
	}
	log.Printf("[%s] %s %s", w.level, w.prefix, strings.TrimSuffix(line, "\n"))
}

func (w *stdOutLogWriter) WithTarget(name, _ string) LogWriter {
	return &stdOutLogWriter{prefix: w.prefix, level: w.level, target: name, secrets: w.secrets}
}
