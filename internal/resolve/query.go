package resolve

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// QueryResult is the outcome of ExecuteQuery or QueryOrCache.
type QueryResult struct {
	Reply      string
	HumanReply string
	Success    bool
	Cached     bool
	NodeID     int
}

// ExecuteQuery asks the backend for entry's value. On success the returned entry
// carries the value and note and is marked completed. On failure the entry is
// returned with its status untouched and the result carries an apology.
func (e *Engine) ExecuteQuery(ctx context.Context, entry models.IndicatorEntry) (models.IndicatorEntry, QueryResult) {
	entry = entry.Clone()
	value, err := e.backend.Query(ctx, entry.Formula, entry.TimeString, entry.TimeType)
	if err != nil {
		e.metrics.BackendQuery("error")
		slog.Error("Engine.ExecuteQuery: backend query failed", "indicator", entry.Indicator, "formula", entry.Formula, "timeString", entry.TimeString, "error", err)
		reply, human := QueryFailed(entry)
		return entry, QueryResult{Reply: reply, HumanReply: human}
	}
	if value == nil {
		e.metrics.BackendQuery("empty")
	} else {
		e.metrics.BackendQuery("ok")
	}

	entry.Value = value.Clone()
	entry.Note = Note(entry)
	entry.Status = models.EntryStatusCompleted
	entry.FormulaCandidates = nil
	return entry, QueryResult{Reply: entry.Note, HumanReply: Answer(entry), Success: true}
}

// QueryOrCache answers entry from the graph when a node with the same
// (indicator, timeString) exists, otherwise executes the query and snapshots
// the completed entry as a new node.
func (e *Engine) QueryOrCache(ctx context.Context, entry models.IndicatorEntry, g *memory.Graph) (models.IndicatorEntry, QueryResult) {
	if id, ok := g.FindNode(entry.Indicator, entry.TimeString); ok {
		node, _ := g.GetNode(id)
		e.metrics.CacheHit()
		slog.Debug("Engine.QueryOrCache: cache hit", "userID", g.UserID, "nodeID", id, "indicator", entry.Indicator, "timeString", entry.TimeString)
		cached := node.Entry
		cached.Alias = firstNonEmpty(entry.Alias, cached.Alias)
		return cached, QueryResult{Reply: cached.Note, HumanReply: Answer(cached), Success: true, Cached: true, NodeID: id}
	}

	e.metrics.CacheMiss()
	done, res := e.ExecuteQuery(ctx, entry)
	if !res.Success {
		return done, res
	}
	res.NodeID = g.AddNode(done)
	done.NodeID = res.NodeID
	return done, res
}

// Note renders the machine-readable summary stored on an entry.
func Note(entry models.IndicatorEntry) string {
	return fmt.Sprintf("%s | %s | %s | %s", entry.Indicator, entry.TimeString, entry.TimeType, entry.Value.String())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
