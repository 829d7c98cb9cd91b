package output

import (
	"strings"
	"unicode"

	"github.com/SanteonNL/datafinder/util"
)

// CSV joins cells with commas and rows with "\n". Cells containing a quote,
// a comma or whitespace are quoted with inner quotes doubled.
func CSV(header []string, rows [][]string) []byte {
	var b strings.Builder
	writeRecord(&b, header)
	for _, row := range rows {
		b.WriteByte('\n')
		writeRecord(&b, row)
	}
	return []byte(b.String())
}

func writeRecord(b *strings.Builder, cells []string) {
	for i, cell := range cells {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(csvCell(cell))
	}
}

func csvCell(s string) string {
	if !strings.ContainsAny(s, `",`) && strings.IndexFunc(s, unicode.IsSpace) < 0 {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// FileName is the export file name of a resource type, e.g. "observations.csv".
func FileName(resourceType string) string {
	return util.PluralLower(resourceType) + ".csv"
}
