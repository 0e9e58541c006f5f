package entity_test

import (
	"context"
	"errors"
	"testing"

	"govex/internal/entity"
)

func openStore(t *testing.T) *entity.Store {
	t.Helper()
	s, err := entity.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, "id-1", "widget", "first", map[string]any{"size": 3.0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("created record has zero CreatedAt")
	}

	got, err := s.Get(ctx, "id-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != "widget" || got.Alias != "first" {
		t.Fatalf("got type=%q alias=%q", got.Type, got.Alias)
	}
	if got.Fields["size"] != 3.0 {
		t.Fatalf("got size=%v, want 3", got.Fields["size"])
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openStore(t)

	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDuplicateAliasRejected(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "id-1", "widget", "shared", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := s.Create(ctx, "id-2", "widget", "shared", nil)
	if !errors.Is(err, entity.ErrDuplicateAlias) {
		t.Fatalf("got %v, want ErrDuplicateAlias", err)
	}

	// The same alias under a different type is fine.
	if _, err := s.Create(ctx, "id-3", "gadget", "shared", nil); err != nil {
		t.Fatalf("create with alias in other type: %v", err)
	}
}

func TestResolveByIDThenAlias(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "id-1", "widget", "first", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	byID, err := s.Resolve(ctx, "widget", "id-1")
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	byAlias, err := s.Resolve(ctx, "widget", "first")
	if err != nil {
		t.Fatalf("resolve by alias: %v", err)
	}
	if byID.ID != byAlias.ID {
		t.Fatalf("resolved different records: %s vs %s", byID.ID, byAlias.ID)
	}

	// Resolving an id under the wrong type must not leak the record.
	if _, err := s.Resolve(ctx, "gadget", "id-1"); !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound for wrong type", err)
	}
}

func TestUpdateMergesAndDeletesKeys(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "id-1", "widget", "", map[string]any{"a": "keep", "b": "drop"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Update(ctx, "id-1", map[string]any{"b": nil, "c": "new"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Get(ctx, "id-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Fields["a"] != "keep" || got.Fields["c"] != "new" {
		t.Fatalf("merged fields wrong: %v", got.Fields)
	}
	if _, present := got.Fields["b"]; present {
		t.Fatal("nil-valued key was not removed")
	}
}

func TestDeleteBlockedWhileRelated(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "parent", "widget", "", nil); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if _, err := s.Create(ctx, "child", "widget", "", nil); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if err := s.Relate(ctx, "contains", "parent", "child", 0); err != nil {
		t.Fatalf("relate: %v", err)
	}

	if err := s.Delete(ctx, "child"); !errors.Is(err, entity.ErrConstraintViolation) {
		t.Fatalf("got %v, want ErrConstraintViolation", err)
	}
	if err := s.Unrelate(ctx, "contains", "parent", "child"); err != nil {
		t.Fatalf("unrelate: %v", err)
	}
	if err := s.Delete(ctx, "child"); err != nil {
		t.Fatalf("delete after unrelate: %v", err)
	}
}

func TestRelateRequiresBothRecords(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "a", "widget", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Relate(ctx, "contains", "a", "ghost", 0); !errors.Is(err, entity.ErrConstraintViolation) {
		t.Fatalf("got %v, want ErrConstraintViolation", err)
	}
}

func TestRelatedOrderedByPosition(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, id := range []string{"root", "x", "y", "z"} {
		if _, err := s.Create(ctx, id, "widget", "", nil); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	// Insert out of positional order.
	if err := s.Relate(ctx, "contains", "root", "z", 2); err != nil {
		t.Fatalf("relate z: %v", err)
	}
	if err := s.Relate(ctx, "contains", "root", "x", 0); err != nil {
		t.Fatalf("relate x: %v", err)
	}
	if err := s.Relate(ctx, "contains", "root", "y", 1); err != nil {
		t.Fatalf("relate y: %v", err)
	}

	recs, err := s.Related(ctx, "contains", "root")
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	want := []string{"x", "y", "z"}
	if len(recs) != len(want) {
		t.Fatalf("got %d related records, want %d", len(recs), len(want))
	}
	for i, rec := range recs {
		if rec.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, rec.ID, want[i])
		}
	}

	page, err := s.RelatedPage(ctx, "contains", "root", 1, 2, entity.OrderDesc)
	if err != nil {
		t.Fatalf("related page: %v", err)
	}
	if len(page) != 2 || page[0].ID != "y" || page[1].ID != "x" {
		t.Fatalf("desc page wrong: %v", ids(page))
	}

	back, err := s.RelatedFrom(ctx, "contains", "y")
	if err != nil {
		t.Fatalf("related from: %v", err)
	}
	if len(back) != 1 || back[0].ID != "root" {
		t.Fatalf("reverse lookup wrong: %v", ids(back))
	}
}

func TestListPagination(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := s.Create(ctx, id, "widget", "", nil); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	page, err := s.List(ctx, "widget", 1, 2, entity.OrderAsc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d records, want 2", len(page))
	}
}

func TestFindByPrefixEscapesWildcards(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "abc123", "widget", "my_alias", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, "abd999", "widget", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	recs, err := s.FindByPrefix(ctx, "widget", "abc")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "abc123" {
		t.Fatalf("prefix match wrong: %v", ids(recs))
	}

	// An underscore in the prefix must match literally, not as a wildcard.
	recs, err = s.FindByPrefix(ctx, "widget", "my_")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "abc123" {
		t.Fatalf("alias prefix match wrong: %v", ids(recs))
	}
	recs, err = s.FindByPrefix(ctx, "widget", "my%")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("wildcard leaked into match: %v", ids(recs))
	}
}

func ids(recs []*entity.Record) []string {
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.ID)
	}
	return out
}
