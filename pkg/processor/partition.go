package processor

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/xhad/handbookqa/internal/models"
)

var (
	numberedHeading = regexp.MustCompile(`^(\d+(\.\d+)*\.?|[IVX]+\.|[A-Z]\.)\s+\S`)
	columnGap       = regexp.MustCompile(`\S(\t| {3,})\S`)
	cellGap         = regexp.MustCompile(`\t| {3,}`)
)

// Partition splits extracted page text into typed elements. Paragraphs are
// separated by blank lines; short unpunctuated lines lead a section as titles;
// two or more consecutive column-aligned lines form a table.
func Partition(text string, page int) []models.Element {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var elements []models.Element
	for _, block := range splitBlocks(text) {
		elements = append(elements, partitionBlock(block, page)...)
	}
	return elements
}

func splitBlocks(text string) [][]string {
	var blocks [][]string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		current = append(current, strings.TrimRight(line, " \t"))
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}

func partitionBlock(lines []string, page int) []models.Element {
	var elements []models.Element
	var prose []string

	flushProse := func() {
		if len(prose) == 0 {
			return
		}
		if isTitle(prose[0]) && (len(prose) == 1 || !isTitle(prose[1])) {
			elements = append(elements, models.Element{Kind: models.KindTitle, Text: cleanTitle(prose[0]), Page: page})
			prose = prose[1:]
		}
		if len(prose) > 0 {
			elements = append(elements, models.Element{Kind: models.KindText, Text: joinProse(prose), Page: page})
		}
		prose = nil
	}

	for i := 0; i < len(lines); {
		j := i
		for j < len(lines) && isTableRow(lines[j]) {
			j++
		}
		if j-i >= 2 {
			flushProse()
			elements = append(elements, models.Element{Kind: models.KindTable, Text: formatTable(lines[i:j]), Page: page})
			i = j
			continue
		}
		if j == i {
			j = i + 1
		}
		prose = append(prose, lines[i:j]...)
		i = j
	}
	flushProse()

	return elements
}

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.Count(trimmed, "|") >= 2 {
		return true
	}
	return len(columnGap.FindAllStringIndex(trimmed, -1)) >= 1
}

func formatTable(lines []string) string {
	rows := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.Trim(strings.TrimSpace(line), "|")
		var cells []string
		if strings.Contains(trimmed, "|") {
			cells = strings.Split(trimmed, "|")
		} else {
			cells = cellGap.Split(trimmed, -1)
		}
		var kept []string
		for _, cell := range cells {
			cell = strings.TrimSpace(cell)
			// markdown separator rows
			if cell == "" || strings.Trim(cell, "-: ") == "" {
				continue
			}
			kept = append(kept, cell)
		}
		if len(kept) > 0 {
			rows = append(rows, strings.Join(kept, " | "))
		}
	}
	return strings.Join(rows, "\n")
}

func isTitle(line string) bool {
	s := strings.TrimSpace(line)
	if s == "" || len([]rune(s)) > 80 {
		return false
	}
	if strings.HasPrefix(s, "#") {
		return true
	}
	if strings.ContainsAny(s[len(s)-1:], ".,;:!?") {
		return false
	}
	if numberedHeading.MatchString(s) {
		return true
	}

	words := strings.Fields(s)
	if len(words) > 10 {
		return false
	}

	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return false
	}
	if float64(upper)/float64(letters) > 0.6 {
		return true
	}

	for _, w := range words {
		r := []rune(w)[0]
		if unicode.IsLetter(r) && !unicode.IsUpper(r) && !minorWords[strings.ToLower(w)] {
			return false
		}
	}
	return true
}

var minorWords = map[string]bool{
	"a": true, "an": true, "and": true, "as": true, "at": true, "by": true, "for": true,
	"in": true, "of": true, "on": true, "or": true, "the": true, "to": true, "with": true,
}

func cleanTitle(line string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
}

func joinProse(lines []string) string {
	var b strings.Builder
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if i > 0 {
			// re-join words hyphenated across a line break
			if strings.HasSuffix(b.String(), "-") && len(line) > 0 && unicode.IsLower([]rune(line)[0]) {
				s := b.String()
				b.Reset()
				b.WriteString(s[:len(s)-1])
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(line)
	}
	return b.String()
}
