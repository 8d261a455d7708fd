package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kaleidoscope/ideasync/internal/ideasync"
)

// viewPrinter turns successive views into a feed of changes. OnChange may
// call it from several goroutines; views older than the last one printed are
// ignored.
type viewPrinter struct {
	mu          sync.Mutex
	w           io.Writer
	jsonOutput  bool
	lastVersion uint64
	status      ideasync.ConnStatus
	ideas       map[string]ideasync.Idea
	metricsAt   time.Time
}

func newViewPrinter(w io.Writer, jsonOutput bool) *viewPrinter {
	return &viewPrinter{
		w:          w,
		jsonOutput: jsonOutput,
		status:     ideasync.Disconnected,
		ideas:      map[string]ideasync.Idea{},
	}
}

func (p *viewPrinter) Print(view ideasync.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if view.Version <= p.lastVersion {
		return
	}
	p.lastVersion = view.Version

	if p.jsonOutput {
		line, err := json.Marshal(view)
		if err == nil {
			fmt.Fprintln(p.w, string(line))
		}
		return
	}

	if view.Connection.Status != p.status {
		p.status = view.Connection.Status
		p.printConnection(view.Connection)
	}

	present := make(map[string]struct{}, len(view.Ideas))
	// Oldest first so the feed reads top to bottom.
	for i := len(view.Ideas) - 1; i >= 0; i-- {
		idea := view.Ideas[i]
		present[idea.ClientTempID] = struct{}{}
		prev, seen := p.ideas[idea.ClientTempID]
		p.ideas[idea.ClientTempID] = idea
		switch {
		case !seen && idea.Confirmed():
			fmt.Fprintf(p.w, "+ [%s] %s\n", idea.AuthorID, idea.Text)
		case !seen:
			fmt.Fprintf(p.w, "+ [%s] %s (pending)\n", idea.AuthorID, idea.Text)
		case !prev.Confirmed() && idea.Confirmed():
			fmt.Fprintf(p.w, "= [%s] %s (confirmed %s)\n", idea.AuthorID, idea.Text, idea.ID)
		}
	}
	for tempID, idea := range p.ideas {
		if _, ok := present[tempID]; ok {
			continue
		}
		delete(p.ideas, tempID)
		fmt.Fprintf(p.w, "- [%s] %s (withdrawn)\n", idea.AuthorID, idea.Text)
	}

	if view.Metrics != nil && view.Metrics.ComputedAt.After(p.metricsAt) {
		p.metricsAt = view.Metrics.ComputedAt
		fmt.Fprintf(p.w, "diversity %.3f across %d ideas\n", view.Metrics.Score, view.Metrics.SampleCount)
	}
}

func (p *viewPrinter) printConnection(state ideasync.ConnectionState) {
	switch {
	case state.Status == ideasync.Reconnecting && state.LastError != ideasync.ErrorKindNone:
		fmt.Fprintf(p.w, "connection %s (attempt %d, %s)\n", state.Status, state.Attempt, state.LastError)
	case state.Status == ideasync.Reconnecting:
		fmt.Fprintf(p.w, "connection %s (attempt %d)\n", state.Status, state.Attempt)
	default:
		fmt.Fprintf(p.w, "connection %s\n", state.Status)
	}
}
