package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/summarizer"
)

// DefaultLimit is the number of hits requested per query.
const DefaultLimit = 10

const queryTimeout = 30 * time.Second

// QueryPort is the TUI-facing subset of the RAG service.
type QueryPort interface {
	Query(ctx context.Context, text string, limit int) ([]domain.SearchHit, error)
}

type resultsMsg struct {
	query string
	hits  []domain.SearchHit
	err   error
}

// Model is the Bubble Tea model for the query TUI.
type Model struct {
	service   QueryPort
	limit     int
	input     textinput.Model
	viewport  viewport.Model
	results   []domain.SearchHit
	summary   string
	status    string
	cursor    int
	ready     bool
	searching bool
	lastQuery string
}

// New creates a TUI model. summary is shown under the title.
func New(service QueryPort, summary string, limit int) Model {
	if limit <= 0 {
		limit = DefaultLimit
	}
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type query and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		service:  service,
		limit:    limit,
		input:    ti,
		viewport: vp,
		summary:  summary,
		status:   "Ready. Type to search.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) search(q string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		hits, err := m.service.Query(ctx, q, m.limit)
		return resultsMsg{query: q, hits: hits, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header, summary, status, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-rh)
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil
	case resultsMsg:
		m.searching = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.results = nil
		} else {
			m.status = fmt.Sprintf("%d results for %q", len(msg.hits), msg.query)
			m.results = msg.hits
			m.cursor = 0
			m.lastQuery = msg.query
		}
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" && !m.searching {
				m.searching = true
				m.status = fmt.Sprintf("Searching for %q...", q)
				return m, m.search(q)
			}
		case "down":
			if len(m.results) > 0 {
				m.cursor = (m.cursor + 1) % len(m.results)
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		case "up":
			if len(m.results) > 0 {
				m.cursor = (m.cursor - 1 + len(m.results)) % len(m.results)
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("RAG Retrieval")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) renderCurrentResult() string {
	if len(m.results) == 0 {
		return "No results yet."
	}
	r := m.results[m.cursor]
	title := fmt.Sprintf("Result %d/%d  rank=%d  score=%.3f", m.cursor+1, len(m.results), r.Rank, r.Score)
	return title + "\n\n" + highlightBestSentence(r.Text, m.lastQuery)
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	unicodeWordRe  = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
)

func highlightBestSentence(text, query string) string {
	sentences := summarizer.Sentences(text)
	if len(sentences) == 0 {
		return text
	}
	best := bestSentence(sentences, query)
	if best < 0 {
		return strings.Join(sentences, " ")
	}
	sentences[best] = highlightStyle.Render(sentences[best])
	return strings.Join(sentences, " ")
}

// bestSentence returns the index of the sentence sharing the most words with
// query, or -1 when the query has no words.
func bestSentence(sentences []string, query string) int {
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return -1
	}
	best, bestScore := 0, -1
	for i, s := range sentences {
		if score := tokenOverlapScore(qTokens, s); score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	for t := range toTokenSet(sentence) {
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
