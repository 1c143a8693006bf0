package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

// Store is an in-process status store and output ledger. Every method takes
// the store lock, which gives per-row atomicity and snapshot reads.
type Store struct {
	mu        sync.RWMutex
	documents map[string]*domain.Document
	segments  map[string][]*domain.Segment
	events    []domain.Event
	outputs   map[domain.IdempotencyKey]domain.StageOutput
	seq       int64
	writes    int64
}

func New() *Store {
	return &Store{
		documents: make(map[string]*domain.Document),
		segments:  make(map[string][]*domain.Segment),
		outputs:   make(map[domain.IdempotencyKey]domain.StageOutput),
	}
}

// Writes returns the number of successful mutating calls.
func (s *Store) Writes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *Store) CreateDocument(_ context.Context, doc *domain.Document) error {
	if doc == nil || doc.ID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "create document", errors.New("document id is required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[doc.ID]; ok {
		return nil
	}
	cp := copyDocument(doc)
	for _, stage := range domain.DocumentStages {
		if _, ok := cp.Stages[stage]; !ok {
			cp.Stages[stage] = domain.StageState{Status: domain.StatusPending}
		}
	}
	s.documents[doc.ID] = cp
	s.writes++
	return nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.documentLocked(id)
}

func (s *Store) documentLocked(id string) (*domain.Document, error) {
	doc, ok := s.documents[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	out := copyDocument(doc)
	for _, seg := range s.segments[id] {
		if seg.Stage(domain.StageTransform).Status == domain.StatusComplete {
			out.Transformed++
		}
		if seg.Stage(domain.StageSynthesize).Status == domain.StatusComplete {
			out.Synthesized++
		}
	}
	return out, nil
}

func (s *Store) UpdateDocumentStage(_ context.Context, id string, stage domain.Stage, update domain.StageUpdate) error {
	if !stage.TracksDocument() {
		return domain.WrapError(domain.ErrInvalidInput, "update document stage", fmt.Errorf("stage %q", stage))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document stage", fmt.Errorf("id=%s", id))
	}
	state := doc.Stage(stage)
	if err := domain.CheckTransition(stage, state.Status, update.Status); err != nil {
		return err
	}
	update.Apply(&state)
	doc.Stages[stage] = state
	if stage == domain.StageAcquire && update.Output != nil {
		doc.ContentRef = update.Output.Ref
	}
	doc.UpdatedAt = update.At
	s.writes++
	return nil
}

func (s *Store) CompleteSegmentation(_ context.Context, documentID string, segments []domain.Segment, update domain.StageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "complete segmentation", fmt.Errorf("id=%s", documentID))
	}
	state := doc.Stage(domain.StageSegment)
	if err := domain.CheckTransition(domain.StageSegment, state.Status, update.Status); err != nil {
		return err
	}

	existing := make(map[int]bool, len(s.segments[documentID]))
	for _, seg := range s.segments[documentID] {
		existing[seg.Ordinal] = true
	}
	for i := range segments {
		if existing[segments[i].Ordinal] {
			continue
		}
		cp := copySegment(&segments[i])
		cp.DocumentID = documentID
		s.segments[documentID] = append(s.segments[documentID], cp)
	}
	sort.Slice(s.segments[documentID], func(i, j int) bool {
		return s.segments[documentID][i].Ordinal < s.segments[documentID][j].Ordinal
	})

	update.Apply(&state)
	doc.Stages[domain.StageSegment] = state
	doc.SegmentCount = len(s.segments[documentID])
	doc.UpdatedAt = update.At
	s.writes++
	return nil
}

func (s *Store) ListSegments(_ context.Context, documentID string) ([]domain.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segmentsLocked(documentID), nil
}

func (s *Store) segmentsLocked(documentID string) []domain.Segment {
	rows := s.segments[documentID]
	out := make([]domain.Segment, 0, len(rows))
	for _, seg := range rows {
		out = append(out, *copySegment(seg))
	}
	return out
}

func (s *Store) UpdateSegmentStage(_ context.Context, documentID, segmentID string, stage domain.Stage, update domain.StageUpdate) error {
	if !stage.TracksSegment() {
		return domain.WrapError(domain.ErrInvalidInput, "update segment stage", fmt.Errorf("stage %q", stage))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var seg *domain.Segment
	for _, candidate := range s.segments[documentID] {
		if candidate.ID == segmentID {
			seg = candidate
			break
		}
	}
	if seg == nil {
		return domain.WrapError(domain.ErrSegmentNotFound, "update segment stage", fmt.Errorf("document=%s segment=%s", documentID, segmentID))
	}
	if stage == domain.StageSynthesize && update.Status == domain.StatusInProgress &&
		seg.Stage(domain.StageTransform).Status != domain.StatusComplete {
		return domain.WrapError(domain.ErrInvalidTransition, "update segment stage", errors.New("synthesize requires completed transform"))
	}
	state := seg.Stage(stage)
	if err := domain.CheckTransition(stage, state.Status, update.Status); err != nil {
		return err
	}
	update.Apply(&state)
	seg.Stages[stage] = state
	if update.Output != nil {
		if seg.Outputs == nil {
			seg.Outputs = map[domain.Stage]domain.StageOutput{}
		}
		seg.Outputs[stage] = *update.Output
	}
	seg.UpdatedAt = update.At
	s.writes++
	return nil
}

func (s *Store) Snapshot(_ context.Context, documentID string) (*domain.Document, []domain.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.documentLocked(documentID)
	if err != nil {
		return nil, nil, err
	}
	return doc, s.segmentsLocked(documentID), nil
}

func (s *Store) AppendEvent(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	event.Sequence = s.seq
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Detail = copyDetail(event.Detail)
	s.events = append(s.events, event)
	s.writes++
	return nil
}

func (s *Store) ListEvents(_ context.Context, documentID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Event, 0)
	for _, ev := range s.events {
		if ev.DocumentID == documentID {
			ev.Detail = copyDetail(ev.Detail)
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) LookupOutput(_ context.Context, key domain.IdempotencyKey) (domain.StageOutput, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[key]
	return out, ok, nil
}

func (s *Store) RecordOutput(_ context.Context, key domain.IdempotencyKey, _, _ string, _ domain.Stage, output domain.StageOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outputs[key]; ok {
		return nil
	}
	s.outputs[key] = output
	s.writes++
	return nil
}

func copyDocument(doc *domain.Document) *domain.Document {
	cp := *doc
	cp.Stages = make(map[domain.Stage]domain.StageState, len(doc.Stages))
	for stage, state := range doc.Stages {
		cp.Stages[stage] = state
	}
	cp.Transformed = 0
	cp.Synthesized = 0
	return &cp
}

func copySegment(seg *domain.Segment) *domain.Segment {
	cp := *seg
	cp.Stages = make(map[domain.Stage]domain.StageState, len(seg.Stages))
	for stage, state := range seg.Stages {
		cp.Stages[stage] = state
	}
	for _, stage := range domain.SegmentStages {
		if _, ok := cp.Stages[stage]; !ok {
			cp.Stages[stage] = domain.StageState{Status: domain.StatusPending}
		}
	}
	cp.Outputs = make(map[domain.Stage]domain.StageOutput, len(seg.Outputs))
	for stage, out := range seg.Outputs {
		cp.Outputs[stage] = out
	}
	return &cp
}

func copyDetail(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}
	out := make(map[string]any, len(detail))
	for k, v := range detail {
		out[k] = v
	}
	return out
}
