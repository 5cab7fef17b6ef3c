package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// getStyle returns the dump style with fallbacks
func getStyle() *chroma.Style {
	for _, name := range []string{"dump-dark", "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("REMOTENET_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// JSON highlights a JSON document. It returns src unchanged when colors are
// disabled or highlighting fails.
func JSON(src string) string {
	if IsDisabled() {
		return src
	}
	lexer := lexers.Get("json")
	if lexer == nil {
		return src
	}
	iterator, err := lexer.Tokenise(nil, src)
	if err != nil {
		return src
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getStyle(), iterator); err != nil {
		return src
	}
	return buf.String()
}

func rgb(hex, s string) string {
	if IsDisabled() {
		return s
	}
	var r, g, b int
	if _, err := fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats an address in yellow
func Address(addr uint64) string {
	return rgb(ColorAddress, fmt.Sprintf("0x%08X", addr))
}

// Tag formats a trace tag in light pink
func Tag(tag string) string {
	return rgb("#FFB4C8", tag)
}

// TypeName formats a remote type or method name in light blue
func TypeName(name string) string {
	return rgb(ColorKey, name)
}

// Detail formats detail text in light gray
func Detail(detail string) string {
	return rgb("#B4B4B4", detail)
}

// Header formats header text in blue
func Header(s string) string {
	return rgb("#569CD6", s)
}

// Error formats error messages in pink
func Error(s string) string {
	return rgb("#FF80C0", s)
}
