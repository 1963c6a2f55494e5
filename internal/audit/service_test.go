package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

type stubTimelineRepo struct {
	rows     []TimelineRow
	lastCall WindowParams
}

func (s *stubTimelineRepo) TimelineWindow(ctx context.Context, arg WindowParams) ([]TimelineRow, error) {
	s.lastCall = arg
	if int(arg.LimitRows) < len(s.rows) {
		return s.rows[:arg.LimitRows], nil
	}
	return s.rows, nil
}

func mockRow(id int64, at, action, entity string) TimelineRow {
	ts, _ := time.Parse(time.RFC3339, at)
	return TimelineRow{ID: id, At: ts, ActorID: uuid.MustParse("9f3c1c1e-8f5e-4c55-9d7a-3b8f4e1a2b3c"), Action: action, Entity: entity, EntityID: "x"}
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: []TimelineRow{
		mockRow(3, "2024-03-10T10:00:00Z", "role.assign", "user"),
		mockRow(2, "2024-03-09T09:00:00Z", "permission.grant", "role"),
		mockRow(1, "2024-03-08T08:00:00Z", "modules.set", "company"),
	}}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{
		From:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		Page:     1,
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}
	if !result.Paging.HasNext || result.Paging.NextPage != 2 {
		t.Fatalf("expected next page 2, got %+v", result.Paging)
	}
	if repo.lastCall.LimitRows != 3 {
		t.Fatalf("expected limitRows 3, got %d", repo.lastCall.LimitRows)
	}
	if repo.lastCall.OffsetRows != 0 {
		t.Fatalf("expected offset 0, got %d", repo.lastCall.OffsetRows)
	}
	if !repo.lastCall.FromAt.Valid || !repo.lastCall.ToAt.Valid {
		t.Fatalf("expected time window to be set")
	}
	if repo.lastCall.Actor.Valid || repo.lastCall.Entity.Valid {
		t.Fatalf("expected empty filters to match everything")
	}
}

func TestServiceTimelineClampsPage(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)
	actor := uuid.New()
	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 500, Actor: actor, Action: " role.assign "})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if result.Paging.PageSize != 50 || result.Paging.PrevPage != 2 {
		t.Fatalf("unexpected paging %+v", result.Paging)
	}
	if repo.lastCall.OffsetRows != 100 {
		t.Fatalf("expected offset 100, got %d", repo.lastCall.OffsetRows)
	}
	if !repo.lastCall.Actor.Valid || repo.lastCall.Action.String != "role.assign" {
		t.Fatalf("expected actor and action filters, got %+v", repo.lastCall)
	}
	if result.Rows == nil {
		t.Fatalf("expected non-nil rows")
	}
}

func TestServiceTimelineBoundsDeepPages(t *testing.T) {
	repo := &stubTimelineRepo{}
	result, err := NewService(repo).Timeline(context.Background(), TimelineFilters{Page: math.MaxInt, PageSize: 50})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if result.Paging.Page != MaxPage {
		t.Fatalf("expected page clamped to %d, got %d", MaxPage, result.Paging.Page)
	}
	if want := int32((MaxPage - 1) * 50); repo.lastCall.OffsetRows != want {
		t.Fatalf("expected offset %d, got %d", want, repo.lastCall.OffsetRows)
	}
}

func TestServiceExportCapsRows(t *testing.T) {
	repo := &stubTimelineRepo{}
	if _, err := NewService(repo).Export(context.Background(), TimelineFilters{}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if repo.lastCall.LimitRows != MaxExportRows {
		t.Fatalf("expected limit %d, got %d", MaxExportRows, repo.lastCall.LimitRows)
	}
	if _, err := NewService(nil).Export(context.Background(), TimelineFilters{}); err == nil {
		t.Fatalf("expected error without repository")
	}
}

func TestWriteCSV(t *testing.T) {
	row := mockRow(7, "2024-03-10T10:00:00Z", "role.assign", "user")
	row.Meta = []byte(`{"role":"hr_manager"}`)
	data, err := WriteCSV([]TimelineRow{row})
	if err != nil {
		t.Fatalf("write csv: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header and one row, got %d", len(records))
	}
	if records[1][0] != "7" || records[1][3] != "role.assign" || records[1][6] != `{"role":"hr_manager"}` {
		t.Fatalf("unexpected record %v", records[1])
	}
}
