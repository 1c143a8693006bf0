package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

// Store is the database/sql status store and output ledger shared by the
// Postgres and SQLite backends. Stage transitions are compare-and-set
// updates on the stage status column.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	documentColumns = buildDocumentColumns()
	segmentColumns  = buildSegmentColumns()
)

func buildDocumentColumns() string {
	cols := []string{"d.id", "d.source_locator", "d.content_ref", "d.segment_count", "d.created_at", "d.updated_at"}
	for _, stage := range domain.DocumentStages {
		cols = append(cols, stageColumns("d.", stage)...)
	}
	cols = append(cols,
		"(SELECT COUNT(*) FROM segments s WHERE s.document_id = d.id AND s.transform_status = 'complete')",
		"(SELECT COUNT(*) FROM segments s WHERE s.document_id = d.id AND s.synthesize_status = 'complete')",
	)
	return strings.Join(cols, ", ")
}

func buildSegmentColumns() string {
	cols := []string{"id", "document_id", "ordinal", "title", "source_ref", "created_at", "updated_at"}
	for _, stage := range domain.SegmentStages {
		cols = append(cols, stageColumns("", stage)...)
		cols = append(cols,
			string(stage)+"_output_ref",
			string(stage)+"_duration_seconds",
			string(stage)+"_size_bytes",
		)
	}
	return strings.Join(cols, ", ")
}

func stageColumns(prefix string, stage domain.Stage) []string {
	s := prefix + string(stage)
	return []string{s + "_status", s + "_started_at", s + "_completed_at", s + "_error"}
}

func (s *Store) CreateDocument(ctx context.Context, doc *domain.Document) error {
	if doc == nil || doc.ID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "create document", errors.New("document id is required"))
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO documents (id, source_locator, content_ref, segment_count, created_at, updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT (id) DO NOTHING
`), doc.ID, doc.SourceLocator, doc.ContentRef, 0, s.dialect.timeArg(doc.CreatedAt), s.dialect.timeArg(doc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	return s.getDocument(ctx, s.db, id)
}

func (s *Store) getDocument(ctx context.Context, q querier, id string) (*domain.Document, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+documentColumns+`
FROM documents d
WHERE d.id = ?`), id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var (
		doc                  domain.Document
		created, updated     nullTime
		transformed, synthed int
	)
	states := make([]scannedState, len(domain.DocumentStages))
	dest := []any{&doc.ID, &doc.SourceLocator, &doc.ContentRef, &doc.SegmentCount, &created, &updated}
	for i := range states {
		dest = append(dest, states[i].dest()...)
	}
	dest = append(dest, &transformed, &synthed)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	doc.CreatedAt = created.Time
	doc.UpdatedAt = updated.Time
	doc.Transformed = transformed
	doc.Synthesized = synthed
	doc.Stages = make(map[domain.Stage]domain.StageState, len(domain.DocumentStages))
	for i, stage := range domain.DocumentStages {
		doc.Stages[stage] = states[i].state()
	}
	return &doc, nil
}

type scannedState struct {
	status             string
	started, completed nullTime
	errMsg             string
}

func (s *scannedState) dest() []any {
	return []any{&s.status, &s.started, &s.completed, &s.errMsg}
}

func (s *scannedState) state() domain.StageState {
	return domain.StageState{
		Status:      domain.StageStatus(s.status),
		StartedAt:   s.started.ptr(),
		CompletedAt: s.completed.ptr(),
		Error:       s.errMsg,
	}
}

// stageAssignments renders the SET clause for one stage update.
func (s *Store) stageAssignments(prefix string, update domain.StageUpdate) (string, []any) {
	at := s.dialect.timeArg(update.At)
	switch update.Status {
	case domain.StatusInProgress:
		return fmt.Sprintf("%[1]s_status = ?, %[1]s_started_at = ?, %[1]s_completed_at = NULL, %[1]s_error = ''", prefix),
			[]any{string(update.Status), at}
	case domain.StatusFailed:
		return fmt.Sprintf("%[1]s_status = ?, %[1]s_completed_at = ?, %[1]s_error = ?", prefix),
			[]any{string(update.Status), at, update.Error}
	default:
		return fmt.Sprintf("%[1]s_status = ?, %[1]s_completed_at = ?, %[1]s_error = ''", prefix),
			[]any{string(update.Status), at}
	}
}

func predecessorArgs(next domain.StageStatus) (string, []any) {
	from := domain.AllowedPredecessors(next)
	marks := make([]string, len(from))
	args := make([]any, len(from))
	for i, status := range from {
		marks[i] = "?"
		args[i] = string(status)
	}
	return strings.Join(marks, ","), args
}

func checkUpdate(stage domain.Stage, update domain.StageUpdate) error {
	if !update.Status.Valid() || len(domain.AllowedPredecessors(update.Status)) == 0 {
		return domain.CheckTransition(stage, domain.StatusPending, update.Status)
	}
	return nil
}

func (s *Store) UpdateDocumentStage(ctx context.Context, id string, stage domain.Stage, update domain.StageUpdate) error {
	if !stage.TracksDocument() {
		return domain.WrapError(domain.ErrInvalidInput, "update document stage", fmt.Errorf("stage %q", stage))
	}
	if err := checkUpdate(stage, update); err != nil {
		return err
	}
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}

	set, args := s.stageAssignments(string(stage), update)
	if stage == domain.StageAcquire && update.Output != nil {
		set += ", content_ref = ?"
		args = append(args, update.Output.Ref)
	}
	marks, fromArgs := predecessorArgs(update.Status)
	args = append(args, s.dialect.timeArg(update.At), id)
	args = append(args, fromArgs...)

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
UPDATE documents
SET `+set+`, updated_at = ?
WHERE id = ? AND `+string(stage)+`_status IN (`+marks+`)
`), args...)
	if err != nil {
		return fmt.Errorf("update document stage: %w", err)
	}
	if affected(res) > 0 {
		return nil
	}
	return s.documentUpdateRejected(ctx, s.db, id, stage, update.Status)
}

func (s *Store) documentUpdateRejected(ctx context.Context, q querier, id string, stage domain.Stage, next domain.StageStatus) error {
	var current string
	err := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+string(stage)+`_status FROM documents WHERE id = ?`), id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrDocumentNotFound, "update document stage", fmt.Errorf("id=%s", id))
		}
		return fmt.Errorf("read document stage: %w", err)
	}
	if err := domain.CheckTransition(stage, domain.StageStatus(current), next); err != nil {
		return err
	}
	return domain.WrapError(domain.ErrInvalidTransition, string(stage), errors.New("concurrent update"))
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func (s *Store) CompleteSegmentation(ctx context.Context, documentID string, segments []domain.Segment, update domain.StageUpdate) error {
	if err := checkUpdate(domain.StageSegment, update); err != nil {
		return err
	}
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin segmentation tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	set, args := s.stageAssignments(string(domain.StageSegment), update)
	marks, fromArgs := predecessorArgs(update.Status)
	args = append(args, s.dialect.timeArg(update.At), documentID)
	args = append(args, fromArgs...)
	res, err := tx.ExecContext(ctx, s.dialect.rebind(`
UPDATE documents
SET `+set+`, updated_at = ?
WHERE id = ? AND segment_status IN (`+marks+`)
`), args...)
	if err != nil {
		return fmt.Errorf("update segment stage: %w", err)
	}
	if affected(res) == 0 {
		return s.documentUpdateRejected(ctx, tx, documentID, domain.StageSegment, update.Status)
	}

	insert := s.dialect.rebind(`
INSERT INTO segments (id, document_id, ordinal, title, source_ref, created_at, updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT DO NOTHING
`)
	for _, seg := range segments {
		if _, err := tx.ExecContext(ctx, insert,
			seg.ID, documentID, seg.Ordinal, seg.Title, seg.SourceRef,
			s.dialect.timeArg(seg.CreatedAt), s.dialect.timeArg(seg.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert segment %d: %w", seg.Ordinal, err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
UPDATE documents
SET segment_count = (SELECT COUNT(*) FROM segments WHERE document_id = ?)
WHERE id = ?
`), documentID, documentID); err != nil {
		return fmt.Errorf("update segment count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit segmentation tx: %w", err)
	}
	return nil
}

func (s *Store) ListSegments(ctx context.Context, documentID string) ([]domain.Segment, error) {
	return s.listSegments(ctx, s.db, documentID)
}

func (s *Store) listSegments(ctx context.Context, q querier, documentID string) ([]domain.Segment, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind(`SELECT `+segmentColumns+`
FROM segments
WHERE document_id = ?
ORDER BY ordinal`), documentID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Segment, 0)
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	return out, nil
}

type scannedOutput struct {
	ref      string
	duration float64
	size     int64
}

func scanSegment(row rowScanner) (domain.Segment, error) {
	var (
		seg              domain.Segment
		created, updated nullTime
	)
	states := make([]scannedState, len(domain.SegmentStages))
	outputs := make([]scannedOutput, len(domain.SegmentStages))
	dest := []any{&seg.ID, &seg.DocumentID, &seg.Ordinal, &seg.Title, &seg.SourceRef, &created, &updated}
	for i := range states {
		dest = append(dest, states[i].dest()...)
		dest = append(dest, &outputs[i].ref, &outputs[i].duration, &outputs[i].size)
	}
	if err := row.Scan(dest...); err != nil {
		return domain.Segment{}, err
	}

	seg.CreatedAt = created.Time
	seg.UpdatedAt = updated.Time
	seg.Stages = make(map[domain.Stage]domain.StageState, len(domain.SegmentStages))
	seg.Outputs = make(map[domain.Stage]domain.StageOutput, len(domain.SegmentStages))
	for i, stage := range domain.SegmentStages {
		seg.Stages[stage] = states[i].state()
		if outputs[i].ref != "" {
			seg.Outputs[stage] = domain.StageOutput{
				Ref:             outputs[i].ref,
				DurationSeconds: outputs[i].duration,
				SizeBytes:       outputs[i].size,
			}
		}
	}
	return seg, nil
}

func (s *Store) UpdateSegmentStage(ctx context.Context, documentID, segmentID string, stage domain.Stage, update domain.StageUpdate) error {
	if !stage.TracksSegment() {
		return domain.WrapError(domain.ErrInvalidInput, "update segment stage", fmt.Errorf("stage %q", stage))
	}
	if err := checkUpdate(stage, update); err != nil {
		return err
	}
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}

	set, args := s.stageAssignments(string(stage), update)
	if update.Output != nil {
		set += fmt.Sprintf(", %[1]s_output_ref = ?, %[1]s_duration_seconds = ?, %[1]s_size_bytes = ?", stage)
		args = append(args, update.Output.Ref, update.Output.DurationSeconds, update.Output.SizeBytes)
	}
	marks, fromArgs := predecessorArgs(update.Status)
	args = append(args, s.dialect.timeArg(update.At), segmentID, documentID)
	args = append(args, fromArgs...)

	where := `id = ? AND document_id = ? AND ` + string(stage) + `_status IN (` + marks + `)`
	if stage == domain.StageSynthesize && update.Status == domain.StatusInProgress {
		where += ` AND transform_status = 'complete'`
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
UPDATE segments
SET `+set+`, updated_at = ?
WHERE `+where), args...)
	if err != nil {
		return fmt.Errorf("update segment stage: %w", err)
	}
	if affected(res) > 0 {
		return nil
	}
	return s.segmentUpdateRejected(ctx, documentID, segmentID, stage, update.Status)
}

func (s *Store) segmentUpdateRejected(ctx context.Context, documentID, segmentID string, stage domain.Stage, next domain.StageStatus) error {
	var transform, current string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
SELECT transform_status, `+string(stage)+`_status
FROM segments
WHERE id = ? AND document_id = ?
`), segmentID, documentID).Scan(&transform, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrSegmentNotFound, "update segment stage", fmt.Errorf("document=%s segment=%s", documentID, segmentID))
		}
		return fmt.Errorf("read segment stage: %w", err)
	}
	if stage == domain.StageSynthesize && next == domain.StatusInProgress && transform != string(domain.StatusComplete) {
		return domain.WrapError(domain.ErrInvalidTransition, "update segment stage", errors.New("synthesize requires completed transform"))
	}
	if err := domain.CheckTransition(stage, domain.StageStatus(current), next); err != nil {
		return err
	}
	return domain.WrapError(domain.ErrInvalidTransition, string(stage), errors.New("concurrent update"))
}

func (s *Store) Snapshot(ctx context.Context, documentID string) (*domain.Document, []domain.Segment, error) {
	tx, err := s.db.BeginTx(ctx, s.dialect.snapshotTxOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	doc, err := s.getDocument(ctx, tx, documentID)
	if err != nil {
		return nil, nil, err
	}
	segments, err := s.listSegments(ctx, tx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit snapshot tx: %w", err)
	}
	return doc, segments, nil
}

func (s *Store) AppendEvent(ctx context.Context, event domain.Event) error {
	detail := event.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal event detail: %w", err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO events (document_id, segment_id, stage, level, message, detail, correlation_id, created_at)
VALUES (?,?,?,?,?,?,?,?)
`),
		event.DocumentID, event.SegmentID, string(event.Stage), string(event.Level), event.Message,
		string(detailJSON), event.CorrelationID, s.dialect.timeArg(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, documentID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
SELECT seq, document_id, segment_id, stage, level, message, detail, correlation_id, created_at
FROM events
WHERE document_id = ?
ORDER BY seq
`), documentID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Event, 0)
	for rows.Next() {
		var (
			ev           domain.Event
			stage, level string
			detailRaw    []byte
			created      nullTime
		)
		if err := rows.Scan(&ev.Sequence, &ev.DocumentID, &ev.SegmentID, &stage, &level, &ev.Message, &detailRaw, &ev.CorrelationID, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Stage = domain.Stage(stage)
		ev.Level = domain.EventLevel(level)
		ev.CreatedAt = created.Time
		if len(detailRaw) > 0 {
			if err := json.Unmarshal(detailRaw, &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal event detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) LookupOutput(ctx context.Context, key domain.IdempotencyKey) (domain.StageOutput, bool, error) {
	var out domain.StageOutput
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
SELECT output_ref, duration_seconds, size_bytes
FROM stage_outputs
WHERE idempotency_key = ?
`), key.String()).Scan(&out.Ref, &out.DurationSeconds, &out.SizeBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StageOutput{}, false, nil
		}
		return domain.StageOutput{}, false, fmt.Errorf("lookup stage output: %w", err)
	}
	return out, true, nil
}

func (s *Store) RecordOutput(
	ctx context.Context,
	key domain.IdempotencyKey,
	documentID, segmentID string,
	stage domain.Stage,
	output domain.StageOutput,
) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO stage_outputs (idempotency_key, document_id, segment_id, stage, output_ref, duration_seconds, size_bytes, created_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT (idempotency_key) DO NOTHING
`), key.String(), documentID, segmentID, string(stage), output.Ref, output.DurationSeconds, output.SizeBytes, s.dialect.timeArg(time.Now()))
	if err != nil {
		return fmt.Errorf("record stage output: %w", err)
	}
	return nil
}
