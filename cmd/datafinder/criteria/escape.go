package criteria

import (
	"net/url"
	"strings"
)

var searchEscaper = strings.NewReplacer(`$`, `\$`, `,`, `\,`, `|`, `\|`)

// uriComponent undoes the url.QueryEscape encodings that encodeURIComponent
// leaves alone.
var uriComponent = strings.NewReplacer("+", "%20", "%21", "!", "%27", "'", "%28", "(", "%29", ")", "%2A", "*")

// EscapeValue escapes the FHIR search special characters $ , and | with a
// backslash, then percent-encodes the result.
func EscapeValue(value string) string {
	return uriComponent.Replace(url.QueryEscape(searchEscaper.Replace(value)))
}
