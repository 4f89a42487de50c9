package processor_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/pkg/processor"
)

func sentence(n int) string {
	return strings.TrimSpace(strings.Repeat("Students must complete the module. ", n))
}

func TestPartition(t *testing.T) {
	text := `PROGRAMME STRUCTURE

Students take 120 credits per year.
Core modules are listed below.

Module        Credits     Term
Algorithms    15          1
Databases     15          2

4.2 Assessment
Coursework counts for forty per cent.`

	elements := processor.Partition(text, 3)
	require.Len(t, elements, 5)

	assert.Equal(t, models.KindTitle, elements[0].Kind)
	assert.Equal(t, "PROGRAMME STRUCTURE", elements[0].Text)

	assert.Equal(t, models.KindText, elements[1].Kind)
	assert.Equal(t, "Students take 120 credits per year. Core modules are listed below.", elements[1].Text)

	assert.Equal(t, models.KindTable, elements[2].Kind)
	assert.Equal(t, "Module | Credits | Term\nAlgorithms | 15 | 1\nDatabases | 15 | 2", elements[2].Text)

	assert.Equal(t, models.KindTitle, elements[3].Kind)
	assert.Equal(t, "4.2 Assessment", elements[3].Text)
	assert.Equal(t, models.KindText, elements[4].Kind)

	for _, el := range elements {
		assert.Equal(t, 3, el.Page)
	}
}

func TestPartitionMarkdownTable(t *testing.T) {
	text := "# Fees\n\n| Item | Cost |\n|------|------|\n| Tuition | 9250 |"
	elements := processor.Partition(text, 0)
	require.Len(t, elements, 2)
	assert.Equal(t, models.KindTitle, elements[0].Kind)
	assert.Equal(t, "Fees", elements[0].Text)
	assert.Equal(t, models.KindTable, elements[1].Kind)
	assert.Equal(t, "Item | Cost\nTuition | 9250", elements[1].Text)
}

func TestProcessor_ChunkBounds(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{MaxCharacters: 200, CombineUnder: 80, Overlap: 40})

	doc := &models.Document{
		Filename: "computer_science.pdf",
		Elements: []models.Element{
			{Kind: models.KindTitle, Text: "Overview", Page: 1},
			{Kind: models.KindText, Text: sentence(2), Page: 1},
			{Kind: models.KindTitle, Text: "Progression", Page: 2},
			{Kind: models.KindText, Text: sentence(20), Page: 2},
			{Kind: models.KindText, Text: "Short closing note.", Page: 3},
		},
	}

	chunks := p.Chunk(doc)
	require.NotEmpty(t, chunks)

	for i, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), 200, "chunk %d too long", i)
		assert.Equal(t, "computer_science.pdf", c.Metadata.Filename)
		assert.Equal(t, i, c.Metadata.Index)
		assert.Equal(t, models.ChunkID("computer_science.pdf", i), c.ID)
	}

	// the small first section is combined with the next title
	assert.Contains(t, chunks[0].Text, "Overview")
	assert.Contains(t, chunks[0].Text, "Progression")
}

func TestProcessor_TablesStandAlone(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{MaxCharacters: 500, CombineUnder: 100, Overlap: 50})

	doc := &models.Document{
		Filename: "medicine.pdf",
		Elements: []models.Element{
			{Kind: models.KindText, Text: "Placements run in year three.", Page: 1},
			{Kind: models.KindTable, Text: "Year | Placement\n3 | Hospital", Page: 1},
			{Kind: models.KindText, Text: "Further detail follows.", Page: 1},
		},
	}

	chunks := p.Chunk(doc)
	require.Len(t, chunks, 3)
	assert.Equal(t, models.KindTable, chunks[1].Metadata.Kind)
	assert.Equal(t, "Year | Placement\n3 | Hospital", chunks[1].Text)
	assert.NotContains(t, chunks[0].Text, "Hospital")
	assert.NotContains(t, chunks[2].Text, "Hospital")
}

func TestProcessor_MergesSmallSections(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{MaxCharacters: 1000, CombineUnder: 800, Overlap: 300})

	doc := &models.Document{
		Filename: "pharmacy.pdf",
		Elements: []models.Element{
			{Kind: models.KindTitle, Text: "Fees", Page: 1},
			{Kind: models.KindText, Text: "Tuition is charged annually.", Page: 1},
			{Kind: models.KindTitle, Text: "Attendance", Page: 1},
			{Kind: models.KindText, Text: "Attendance is monitored.", Page: 1},
		},
	}

	chunks := p.Chunk(doc)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Fees\n\nTuition is charged annually.\n\nAttendance\n\nAttendance is monitored.", chunks[0].Text)
	assert.Equal(t, models.KindText, chunks[0].Metadata.Kind)
}

func TestProcessor_SplitsOversizeElements(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{MaxCharacters: 120, CombineUnder: 40, Overlap: 30})

	long := sentence(30)
	doc := &models.Document{
		Filename: "creative_arts.pdf",
		Elements: []models.Element{{Kind: models.KindText, Text: long, Page: 7}},
	}

	chunks := p.Chunk(doc)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), 120)
		assert.Equal(t, 7, c.Metadata.Page)
	}
}

func TestProcessor_CleansText(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{})

	doc := &models.Document{
		Filename: "x.pdf",
		Elements: []models.Element{
			{Kind: models.KindText, Text: "Bad\x00 bytes \xff and   spaces"},
			{Kind: models.KindText, Text: "   "},
		},
	}

	chunks := p.Chunk(doc)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Bad bytes and spaces", chunks[0].Text)
	assert.True(t, utf8.ValidString(chunks[0].Text))
}

func TestProcessor_EmptyDocument(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{})
	assert.Empty(t, p.Chunk(&models.Document{Filename: "empty.pdf"}))
}
