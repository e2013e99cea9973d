package logging

import (
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

type CensorWriter struct {
	io.Writer
	re *regexp.Regexp
}

var censorRE = regexp.MustCompile(`(?i)(password|secret|token)(["':\s=]+)([^"'\s,{}]+)`)

func NewCensorWriter(w io.Writer) *CensorWriter {
	return &CensorWriter{Writer: w, re: censorRE}
}

func (w *CensorWriter) Write(p []byte) (n int, err error) {
	// matches: "password":"...", "secret":"...", token=...
	censored := w.re.ReplaceAll(p, []byte(`${1}${2}[CENSORED]`))
	if _, err := w.Writer.Write(censored); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Setup installs the global zerolog logger. console selects the human readable
// writer; otherwise JSON lines go to stderr.
func Setup(level string, debug bool, console bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = os.Stderr
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	zlog.Logger = zerolog.New(NewCensorWriter(out)).With().Timestamp().Logger()

	lvl := zerolog.InfoLevel
	if debug {
		lvl = zerolog.DebugLevel
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			lvl = parsed
		}
	}
	zerolog.SetGlobalLevel(lvl)
}
