package render

import (
	"errors"
	"regexp"
	"strings"
)

// Table is tabular data lifted out of assistant text.
type Table struct {
	Name    string     `json:"name"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// A header row, a separator row of dashes/colons and at least one body row.
var tableRE = regexp.MustCompile(`(?m)^[ \t]*\|.+?\|[ \t]*\n[ \t]*\|(?:[ \t]*:?-+:?[ \t]*\|)+[ \t]*(?:\n[ \t]*\|.+?\|[ \t]*)+$`)

var errRaggedTable = errors.New("table rows do not match header width")

// ExtractTable finds the first markdown pipe table in md and returns it with
// the remaining text. ok is false when there is no well-formed table.
func ExtractTable(md string) (table Table, remainder string, ok bool) {
	loc := tableRE.FindStringIndex(md)
	if loc == nil {
		return Table{}, md, false
	}

	table, err := parseTable(md[loc[0]:loc[1]])
	if err != nil {
		return Table{}, md, false
	}
	remainder = strings.TrimSpace(md[:loc[0]] + md[loc[1]:])
	return table, remainder, true
}

func parseTable(block string) (Table, error) {
	lines := strings.Split(strings.TrimSpace(block), "\n")
	header := splitRow(lines[0])

	rows := make([][]string, 0, len(lines)-2)
	for _, line := range lines[2:] {
		if !strings.Contains(line, "|") {
			continue
		}
		row := splitRow(line)
		if len(row) != len(header) {
			return Table{}, errRaggedTable
		}
		rows = append(rows, row)
	}
	return Table{Columns: header, Rows: rows}, nil
}

func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	cells := strings.Split(line, "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}
