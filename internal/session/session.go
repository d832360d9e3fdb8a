// Package session implements the Strategy Session: the per-conversation
// container that owns one or more strategy graphs and hands them to tool
// handlers by id. For this core it is a thin facade over graph.Graph; the
// interesting contracts (mutation, undo, combine) live in package graph.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
	"github.com/veupathdb/strategy-orchestration-core/internal/platform"
)

// Session owns every graph created during one conversation, keyed by graph
// id, plus the site id selecting which external platform instance the
// conversation's tool calls target.
type Session struct {
	mu     sync.Mutex
	SiteID string

	graphs []*graph.Graph
	byID   map[string]*graph.Graph
}

// New constructs an empty Session for the given site.
func New(siteID string) *Session {
	return &Session{
		SiteID: siteID,
		byID:   make(map[string]*graph.Graph),
	}
}

// GetGraph returns the graph for id, or the session's sole graph if id is
// empty (the common case: single-graph sessions). It returns false if id is
// empty and the session holds zero or more than one graph, or if id is set
// but unknown.
func (s *Session) GetGraph(id string) (*graph.Graph, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		if len(s.graphs) == 1 {
			return s.graphs[0], true
		}
		return nil, false
	}
	g, ok := s.byID[id]
	return g, ok
}

// CreateGraph creates a new graph of recordType, optionally naming it, and
// registers it in the session.
func (s *Session) CreateGraph(recordType, name string) *graph.Graph {
	g := graph.New(recordType)
	if name != "" {
		g.SetMeta(name, "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs = append(s.graphs, g)
	s.byID[g.ID] = g
	return g
}

// ListGraphs returns every graph registered in the session, in creation
// order.
func (s *Session) ListGraphs() []*graph.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*graph.Graph, len(s.graphs))
	copy(out, s.graphs)
	return out
}

// RecordTypeLister is satisfied by *platform.Client; kept narrow so this
// package doesn't need the rest of the external platform adapter's surface.
type RecordTypeLister interface {
	ListRecordTypes(ctx context.Context) ([]platform.RecordType, error)
}

// ResolveRecordTypeForSearch scans every record type the platform exposes
// for one whose search catalog contains searchName, so a leaf step whose
// search doesn't belong to the graph's current record type can still be
// added by silently reassigning the graph to the record type that does
// carry it. It returns ("", false, nil) if no record type's catalog
// contains searchName.
func ResolveRecordTypeForSearch(ctx context.Context, lister RecordTypeLister, searchName string) (string, bool, error) {
	types, err := lister.ListRecordTypes(ctx)
	if err != nil {
		return "", false, err
	}
	for _, rt := range types {
		for _, s := range rt.Searches {
			if s == searchName {
				return rt.URLSegment, true, nil
			}
		}
	}
	return "", false, nil
}

// RemoveGraph drops a graph from the session once it has been deleted
// (graph_deleted), so subsequent GetGraph("") calls don't see a stale graph
// when exactly one remains.
func (s *Session) RemoveGraph(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("unknown graph %q", id)
	}
	delete(s.byID, id)
	for i, g := range s.graphs {
		if g.ID == id {
			s.graphs = append(s.graphs[:i], s.graphs[i+1:]...)
			break
		}
	}
	return nil
}
