package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ragindex/internal/domain"
	"ragindex/internal/summarizer"
)

// SearchPort is the TUI-facing subset of the RAG service.
type SearchPort interface {
	Search(ctx context.Context, query string, k int, rerank bool) ([]domain.RankedDocument, error)
}

const searchTimeout = 30 * time.Second

type resultsMsg struct {
	query string
	docs  []domain.RankedDocument
	err   error
}

// Model is the Bubble Tea model for the search screen.
type Model struct {
	service   SearchPort
	k         int
	rerank    bool
	input     textinput.Model
	viewport  viewport.Model
	results   []domain.RankedDocument
	summary   string
	status    string
	cursor    int
	ready     bool
	searching bool
	lastQuery string
}

// New creates the model. summary is shown under the title and may be empty.
func New(service SearchPort, summary string, k int, rerank bool) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type query and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	return Model{
		service:  service,
		k:        k,
		rerank:   rerank,
		input:    ti,
		viewport: viewport.New(0, 0),
		summary:  summary,
		status:   "Ready. ctrl+r toggles reranking.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) search(q string) tea.Cmd {
	svc, k, rerank := m.service, m.k, m.rerank
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
		defer cancel()
		docs, err := svc.Search(ctx, q, k, rerank)
		return resultsMsg{query: q, docs: docs, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 3 + qh + 1 // title, summary, status, spacer
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
			m.status = fmt.Sprintf("%d results for %q (%s)", len(msg.docs), msg.query, m.mode())
			m.results = msg.docs
			m.cursor = 0
			m.lastQuery = msg.query
		}
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" && !m.searching {
				m.searching = true
				m.status = "Searching..."
				return m, m.search(q)
			}
		case "ctrl+r":
			m.rerank = !m.rerank
			m.status = "Mode: " + m.mode()
			return m, nil
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
	header := lipgloss.NewStyle().Bold(true).Render("RAG Search")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) mode() string {
	if m.rerank {
		return "reranked"
	}
	return "similarity"
}

func (m Model) renderCurrentResult() string {
	if len(m.results) == 0 {
		return "No results yet."
	}
	r := m.results[m.cursor]
	title := fmt.Sprintf("Result %d/%d  rank=%d  score=%.3f  source=%s",
		m.cursor+1, len(m.results), r.Rank, r.RelevanceScore, r.SourceType)
	if src := r.Metadata["source"]; src != "" {
		title += "\n" + src
	}
	return title + "\n\n" + highlightBestSentence(r.Content, m.lastQuery)
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

func highlightBestSentence(text, query string) string {
	sentences := summarizer.Sentences(text)
	if len(sentences) == 0 {
		return text
	}
	best := bestSentence(sentences, query)
	if best >= 0 {
		sentences[best] = highlightStyle.Render(sentences[best])
	}
	return strings.Join(sentences, " ")
}

// bestSentence returns the index of the sentence sharing the most distinct
// words with query, or -1 when query has no words.
func bestSentence(sentences []string, query string) int {
	q := toTokenSet(query)
	if len(q) == 0 {
		return -1
	}
	best, bestScore := 0, -1
	for i, s := range sentences {
		score := 0
		for tok := range toTokenSet(s) {
			if _, ok := q[tok]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func toTokenSet(s string) map[string]struct{} {
	words := summarizer.Words(s)
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
