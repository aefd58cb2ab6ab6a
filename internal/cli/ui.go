package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/ivle/jailconsole/internal/endpoint"
)

// palette holds the styles for human-facing output. The zero-color palette
// renders plain text so output stays stable when piped.
type palette struct {
	title  lipgloss.Style
	icon   lipgloss.Style
	field  lipgloss.Style
	dim    lipgloss.Style
	notice lipgloss.Style
	status map[string]lipgloss.Style
}

func newPalette(color bool) palette {
	r := lipgloss.NewRenderer(io.Discard)
	if color {
		r.SetColorProfile(termenv.ANSI256)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}
	bold := r.NewStyle().Bold(color)
	return palette{
		title:  bold.Foreground(lipgloss.Color("45")),
		icon:   bold.Foreground(lipgloss.Color("220")),
		field:  r.NewStyle().Foreground(lipgloss.Color("252")),
		dim:    r.NewStyle().Foreground(lipgloss.Color("246")),
		notice: bold.Foreground(lipgloss.Color("214")),
		status: map[string]lipgloss.Style{
			"pass":    bold.Foreground(lipgloss.Color("42")),
			"warn":    bold.Foreground(lipgloss.Color("214")),
			"fail":    bold.Foreground(lipgloss.Color("203")),
			"unknown": bold.Foreground(lipgloss.Color("255")),
		},
	}
}

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

func renderStartupHeader(h startupHeader, color bool) string {
	p := newPalette(color)
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "jailconsole"
	}

	var out strings.Builder
	fmt.Fprintf(&out, "\n%s %s\n", p.icon.Render("🐍"), p.title.Render(title))
	for _, field := range h.Fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}
		fmt.Fprintf(&out, "   %s\n", p.field.Render(key+": "+value))
	}
	out.WriteByte('\n')
	return out.String()
}

var statusIcons = map[string]string{
	"pass":    "✓",
	"warn":    "!",
	"fail":    "✗",
	"unknown": "?",
}

func renderDoctorReport(backendName string, checks []doctorCheck, color bool) string {
	p := newPalette(color)
	name := strings.TrimSpace(backendName)
	if name == "" {
		name = "unknown"
	}

	var out strings.Builder
	out.WriteString(p.title.Render(fmt.Sprintf("doctor report (%s)", name)))
	out.WriteByte('\n')

	counts := map[string]int{}
	for _, check := range checks {
		status := normalizeDoctorStatus(check.Status)
		counts[status]++

		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}
		badge := p.status[status].Render(fmt.Sprintf("%s [%s]", statusIcons[status], status))
		fmt.Fprintf(&out, "%s %s: %s\n", badge, checkName, message)
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])
	out.WriteString(p.dim.Render(summary))
	out.WriteByte('\n')
	return out.String()
}

// renderRestartNotice tells an interactive user their console was replaced.
func renderRestartNotice(reason string, color bool) string {
	return newPalette(color).notice.Render(fmt.Sprintf("console restarted (%s); state was lost", reason)) + "\n"
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func shouldUseANSI(w io.Writer) bool {
	if noColorRequested() {
		return false
	}
	if forceColorRequested() {
		return true
	}
	return isTerminalWriter(w)
}

func applyLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	for level, code := range map[log.Level]string{
		log.DebugLevel: "45",
		log.InfoLevel:  "42",
		log.WarnLevel:  "214",
		log.ErrorLevel: "203",
	} {
		styles.Levels[level] = styles.Levels[level].Bold(true).Foreground(lipgloss.Color(code))
	}
	// console_id values are long; keep them dim so messages stand out.
	styles.Values["console_id"] = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "tsnet":
		host := strings.TrimSpace(ep.TSNetHostname)
		if host == "" {
			host = "jailconsole"
		}
		if ep.TSNetPort > 0 {
			return fmt.Sprintf("tsnet://%s:%d", host, ep.TSNetPort)
		}
		return "tsnet://" + host
	}
	if ep.Address != "" {
		return ep.Address
	}
	return ep.BaseURL
}

func effectiveLogLevel(rawLevel string) string {
	if level := strings.TrimSpace(strings.ToLower(rawLevel)); level != "" {
		return level
	}
	return "info"
}

func noColorRequested() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.TrimSpace(os.Getenv("CLICOLOR")) == "0"
}

func forceColorRequested() bool {
	value := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE"))
	if value == "" {
		return false
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed != 0
	}
	return true
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
