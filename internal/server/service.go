package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
	"github.com/joseph-ayodele/scansync/internal/export"
	"github.com/joseph-ayodele/scansync/internal/pipeline"
	syncengine "github.com/joseph-ayodele/scansync/internal/sync"
	"github.com/joseph-ayodele/scansync/internal/utils"
)

// Captures is the part of pipeline.Coordinator the service drives.
type Captures interface {
	Submit(ctx context.Context, img entity.CapturedImage) (*pipeline.Handle, error)
	Correct(ctx context.Context, id uuid.UUID, fields entity.Fields) (entity.PersistedRecord, error)
	Reextract(ctx context.Context, id uuid.UUID) (entity.PersistedRecord, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Records is the read side of the local store.
type Records interface {
	Get(ctx context.Context, id uuid.UUID) (entity.PersistedRecord, error)
	List(ctx context.Context, f entity.RecordFilter) ([]entity.PersistedRecord, error)
	FailedOps(ctx context.Context) ([]entity.SyncOp, error)
	RequeueFailed(ctx context.Context, seq int64) (int, error)
}

type Syncer interface {
	SyncOnce(ctx context.Context) (syncengine.Report, error)
	Notify()
}

type Exporter interface {
	ExportXLSX(ctx context.Context, w export.Window) ([]byte, int, error)
}

type CaptureService struct {
	captures Captures
	records  Records
	syncer   Syncer
	exporter Exporter
	logger   *slog.Logger
}

func NewCaptureService(captures Captures, records Records, syncer Syncer, exporter Exporter, logger *slog.Logger) *CaptureService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureService{captures: captures, records: records, syncer: syncer, exporter: exporter, logger: logger}
}

var _ CaptureServer = (*CaptureService)(nil)

type submitRequest struct {
	Image       string    `json:"image"` // base64, standard encoding
	Orientation int       `json:"orientation"`
	Source      string    `json:"source"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Submit runs one capture and waits for it. If the caller goes away before the capture
// finishes, the capture is cancelled.
func (s *CaptureService) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in submitRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(in.Image)
	if err != nil || len(raw) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image must be non-empty base64")
	}
	if in.Orientation < 0 || in.Orientation > 8 {
		return nil, status.Errorf(codes.InvalidArgument, "orientation %d out of range", in.Orientation)
	}
	if in.CapturedAt.IsZero() {
		in.CapturedAt = time.Now().UTC()
	}
	if in.Source == "" {
		in.Source = "grpc"
	}

	h, err := s.captures.Submit(ctx, entity.CapturedImage{
		Bytes:       raw,
		CapturedAt:  in.CapturedAt,
		Orientation: in.Orientation,
		Source:      in.Source,
	})
	if err != nil {
		common.LoggerFromContext(ctx, s.logger).Warn("submit failed", "error", err)
		return nil, common.ToStatus(err)
	}
	res, err := h.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			h.Cancel()
		}
		common.LoggerFromContext(ctx, s.logger).Warn("capture failed", "capture_id", h.ID, "error", err)
		return nil, common.ToStatus(err)
	}

	out, err := recordMap(res.Record)
	if err != nil {
		return nil, err
	}
	out["capture_id"] = h.ID.String()
	if res.Warning != nil {
		out["warning"] = res.Warning.Error()
	}
	return newStruct(out)
}

func (s *CaptureService) GetRecord(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := parseID(req.GetValue())
	if err != nil {
		return nil, err
	}
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return recordStruct(rec)
}

type listRequest struct {
	Status    string `json:"status"`
	SyncState string `json:"sync_state"`
	Search    string `json:"search"`
	From      string `json:"from"`
	To        string `json:"to"`
	Limit     int    `json:"limit"`
}

func (s *CaptureService) ListRecords(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in listRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	f := entity.RecordFilter{Search: strings.TrimSpace(in.Search), Limit: in.Limit}
	if in.Status != "" {
		st, ok := constants.ParseValidationStatus(in.Status)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown status %q", in.Status)
		}
		f.Status = st
	}
	if in.SyncState != "" {
		st, ok := constants.ParseSyncState(in.SyncState)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown sync_state %q", in.SyncState)
		}
		f.SyncState = st
	}
	var err error
	if f.From, err = parseDate(in.From); err != nil {
		return nil, err
	}
	if f.To, err = parseDate(in.To); err != nil {
		return nil, err
	}
	if in.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must not be negative")
	}

	recs, err := s.records.List(ctx, f)
	if err != nil {
		common.LoggerFromContext(ctx, s.logger).Warn("list records failed", "error", err)
		return nil, common.ToStatus(err)
	}
	list := make([]any, 0, len(recs))
	for _, r := range recs {
		m, err := recordMap(r)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return newStruct(map[string]any{"records": list})
}

type correctRequest struct {
	ID     string        `json:"id"`
	Fields entity.Fields `json:"fields"`
}

func (s *CaptureService) CorrectRecord(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in correctRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	id, err := parseID(in.ID)
	if err != nil {
		return nil, err
	}
	rec, err := s.captures.Correct(ctx, id, in.Fields)
	if err != nil {
		common.LoggerFromContext(ctx, s.logger).Warn("correct record failed", "record_id", id, "error", err)
		return nil, common.ToStatus(err)
	}
	return recordStruct(rec)
}

func (s *CaptureService) DeleteRecord(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id, err := parseID(req.GetValue())
	if err != nil {
		return nil, err
	}
	if err := s.captures.Delete(ctx, id); err != nil {
		return nil, common.ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *CaptureService) Reextract(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := parseID(req.GetValue())
	if err != nil {
		return nil, err
	}
	rec, err := s.captures.Reextract(ctx, id)
	if err != nil {
		common.LoggerFromContext(ctx, s.logger).Warn("reextract failed", "record_id", id, "error", err)
		return nil, common.ToStatus(err)
	}
	return recordStruct(rec)
}

// SyncNow runs one drain and pull cycle. An unreachable remote is reported as Unavailable.
func (s *CaptureService) SyncNow(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	rep, err := s.syncer.SyncOnce(ctx)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	outcomes := make(map[string]any, len(rep.Pull.Outcomes))
	for k, v := range rep.Pull.Outcomes {
		outcomes[string(k)] = v
	}
	return newStruct(map[string]any{
		"pushed":    rep.Drain.Pushed,
		"deleted":   rep.Drain.Deleted,
		"skipped":   rep.Drain.Skipped,
		"resolved":  rep.Drain.Resolved,
		"retried":   rep.Drain.Retried,
		"failed":    rep.Drain.Failed,
		"remaining": rep.Drain.Remaining,
		"fetched":   rep.Pull.Fetched,
		"cursor":    rep.Pull.Cursor,
		"outcomes":  outcomes,
	})
}

func (s *CaptureService) ListSyncFailures(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	ops, err := s.records.FailedOps(ctx)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	list := make([]any, 0, len(ops))
	for _, op := range ops {
		m, err := toMap(op)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return newStruct(map[string]any{"ops": list})
}

// RetrySync requeues a failed op by sequence number, or every failed op for 0.
func (s *CaptureService) RetrySync(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	if req.GetValue() < 0 {
		return nil, status.Error(codes.InvalidArgument, "seq must not be negative")
	}
	n, err := s.records.RequeueFailed(ctx, req.GetValue())
	if err != nil {
		return nil, common.ToStatus(err)
	}
	if n > 0 {
		s.syncer.Notify()
	}
	return newStruct(map[string]any{"requeued": n})
}

type exportRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Status string `json:"status"`
}

func (s *CaptureService) ExportRecords(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	var in exportRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	var (
		w   export.Window
		err error
	)
	if w.From, err = parseDate(in.From); err != nil {
		return nil, err
	}
	if w.To, err = parseDate(in.To); err != nil {
		return nil, err
	}
	if in.Status != "" {
		st, ok := constants.ParseValidationStatus(in.Status)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown status %q", in.Status)
		}
		w.Status = st
	}
	data, _, err := s.exporter.ExportXLSX(ctx, w)
	if err != nil {
		common.LoggerFromContext(ctx, s.logger).Warn("export failed", "error", err)
		return nil, common.ToStatus(err)
	}
	return wrapperspb.Bytes(data), nil
}

func parseID(s string) (uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "record id is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "record id must be a UUID")
	}
	return id, nil
}

func parseDate(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if _, err := utils.ParseYMD(s); err != nil {
		return "", status.Errorf(codes.InvalidArgument, "invalid date %q: want YYYY-MM-DD", s)
	}
	return s, nil
}

// fromStruct decodes a request struct into a typed request through its JSON form.
func fromStruct(s *structpb.Struct, out any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return m, nil
}

func recordMap(r entity.PersistedRecord) (map[string]any, error) {
	m, err := toMap(r)
	if err != nil {
		return nil, err
	}
	if m["review_reasons"] == nil {
		m["review_reasons"] = []any{}
	}
	// Struct values only carry float64
	m["amount"] = r.Amount.InexactFloat64()
	return m, nil
}

func recordStruct(r entity.PersistedRecord) (*structpb.Struct, error) {
	m, err := recordMap(r)
	if err != nil {
		return nil, err
	}
	return newStruct(m)
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return st, nil
}
