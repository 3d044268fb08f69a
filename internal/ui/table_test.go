package ui

import (
	"os"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	lipgloss.SetColorProfile(termenv.Ascii)
	os.Exit(m.Run())
}

func TestTableAlignsColumns(t *testing.T) {
	tbl := NewTable("ID", "STATUS", "TITLE")
	tbl.AddRow([]string{"1", "queued", "قمة اقتصادية"}, nil)
	tbl.AddRow([]string{"42", "completed", "خبر"}, nil)

	out := tbl.Render(80)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	// all rows start their second column at the same offset
	require.Equal(t, strings.Index(lines[1], "queued"), strings.Index(lines[2], "completed"))
}

func TestTableShrinksWidestColumn(t *testing.T) {
	tbl := NewTable("ID", "TITLE")
	tbl.AddRow([]string{"1", strings.Repeat("ع", 200)}, nil)

	out := tbl.Render(40)
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		require.LessOrEqual(t, len([]rune(line)), 41)
	}
	require.Contains(t, out, "…")
}

func TestTruncateSimpleIsRuneSafe(t *testing.T) {
	require.Equal(t, "الجزائ…", TruncateSimple("الجزائرية", 7))
	require.Equal(t, "short", TruncateSimple("short", 10))
}
