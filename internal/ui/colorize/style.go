// Package colorize highlights CLI output: JSON dumps through Chroma and
// single values with fixed truecolor escapes.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// Theme colors.
const (
	ColorAddress = "#FFC800" // yellow, addresses
	ColorKey     = "#87CEEB" // light blue, object keys
	ColorNumber  = "#FF80C0" // pink, numbers
	ColorString  = "#00FF00" // green, strings
	ColorConst   = "#FF8000" // orange, true/false/null
	ColorPunct   = "#808080" // gray, braces and commas
)

// DumpDark is the style for JSON dumps.
var DumpDark = styles.Register(chroma.MustNewStyle("dump-dark", chroma.StyleEntries{
	chroma.Text:       "#FFFFFF",
	chroma.Background: "bg:#000000",

	chroma.NameTag:       ColorKey, // JSON keys
	chroma.NameAttribute: ColorKey,

	chroma.LiteralString:       ColorString,
	chroma.LiteralStringDouble: ColorString,

	chroma.LiteralNumber:        ColorNumber,
	chroma.LiteralNumberInteger: ColorNumber,
	chroma.LiteralNumberFloat:   ColorNumber,

	chroma.KeywordConstant: ColorConst,

	chroma.Punctuation: ColorPunct,
}))
