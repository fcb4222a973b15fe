package cli

import (
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color scheme for the live streaming view.
type Theme struct {
	Primary lipgloss.Color // accent for finalized text and borders
	Dim     lipgloss.Color // in-flight partials and status
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds the styles derived from a theme.
type Styles struct {
	Title   lipgloss.Style
	Final   lipgloss.Style
	Partial lipgloss.Style
	Border  lipgloss.Style
	Status  lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Final:   lipgloss.NewStyle().Foreground(t.Primary),
		Partial: lipgloss.NewStyle().Foreground(t.Dim).Italic(true),
		Border:  lipgloss.NewStyle().Foreground(t.Primary),
		Status:  lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// TranscriptView renders a live transcription: finalized segments
// scroll up while the current partial updates in place. Safe for
// concurrent use; the event loop feeds it while the render loop
// draws.
type TranscriptView struct {
	Styles Styles
	Title  string

	// MaxLines bounds the finalized history kept for display.
	MaxLines int

	mu      sync.Mutex
	finals  []string
	partial string
	status  string
}

// NewTranscriptView creates a view with the default theme.
func NewTranscriptView(title string) *TranscriptView {
	return &TranscriptView{
		Styles:   NewStyles(DefaultTheme),
		Title:    title,
		MaxLines: 100,
	}
}

// SetStatus updates the status shown next to the title.
func (v *TranscriptView) SetStatus(status string) {
	v.mu.Lock()
	v.status = status
	v.mu.Unlock()
}

// SetPartial replaces the in-flight partial line.
func (v *TranscriptView) SetPartial(text string) {
	v.mu.Lock()
	v.partial = text
	v.mu.Unlock()
}

// AddFinal appends a finalized segment and clears the partial it
// supersedes.
func (v *TranscriptView) AddFinal(text string) {
	v.mu.Lock()
	v.finals = append(v.finals, text)
	if len(v.finals) > v.MaxLines {
		v.finals = v.finals[len(v.finals)-v.MaxLines:]
	}
	v.partial = ""
	v.mu.Unlock()
}

// Text returns the finalized transcript joined with spaces.
func (v *TranscriptView) Text() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return strings.Join(v.finals, " ")
}

// Render draws the view for the given terminal size.
func (v *TranscriptView) Render(width, height int) string {
	if width < 10 || height < 5 {
		return "..."
	}

	v.mu.Lock()
	finals := append([]string(nil), v.finals...)
	partial := v.partial
	status := v.status
	v.mu.Unlock()

	bc := v.Styles.Border
	contentWidth := width - 4

	var lines []string
	lines = append(lines, bc.Render("╭"+strings.Repeat("─", width-2)+"╮"))

	title := v.Styles.Title.Render(v.Title)
	st := v.Styles.Status.Render("[" + status + "]")
	pad := max(0, width-5-lipgloss.Width(title)-lipgloss.Width(st))
	lines = append(lines, bc.Render("│")+" "+title+" "+st+strings.Repeat(" ", pad)+" "+bc.Render("│"))

	body := height - 3
	var content []string
	for _, f := range finals {
		content = append(content, wrapLine(f, contentWidth)...)
	}
	finalCount := len(content)
	if partial != "" {
		content = append(content, wrapLine(partial, contentWidth)...)
	}
	start := 0
	if len(content) > body {
		start = len(content) - body
	}
	for i := 0; i < body; i++ {
		text := ""
		style := v.Styles.Final
		if idx := start + i; idx < len(content) {
			text = content[idx]
			if idx >= finalCount {
				style = v.Styles.Partial
			}
		}
		pad := max(0, contentWidth-lipgloss.Width(text))
		lines = append(lines, bc.Render("│")+" "+style.Render(text)+strings.Repeat(" ", pad)+" "+bc.Render("│"))
	}

	lines = append(lines, bc.Render("╰"+strings.Repeat("─", width-2)+"╯"))
	return strings.Join(lines, "\n")
}

// wrapLine splits text into display lines no wider than width.
func wrapLine(s string, width int) []string {
	if width <= 0 {
		return nil
	}
	var out []string
	var line strings.Builder
	lineWidth := 0
	for _, word := range strings.Fields(s) {
		w := lipgloss.Width(word)
		if lineWidth > 0 && lineWidth+1+w > width {
			out = append(out, line.String())
			line.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			line.WriteByte(' ')
			lineWidth++
		}
		line.WriteString(word)
		lineWidth += w
	}
	if line.Len() > 0 || len(out) == 0 {
		out = append(out, line.String())
	}
	return out
}
