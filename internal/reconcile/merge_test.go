package reconcile

import (
	"reflect"
	"testing"

	"github.com/agentworkforce/taskmirror/internal/tasks"
)

func rec(id, title string, status tasks.Status, origin tasks.Origin) tasks.Record {
	return tasks.Record{ID: id, Title: title, Status: status, Origin: origin}
}

func ids(records []tasks.Record) []string {
	out := make([]string, 0, len(records))
	for _, record := range records {
		out = append(out, record.ID)
	}
	return out
}

func TestReconcileKeepsFirstDuplicate(t *testing.T) {
	fetched := []tasks.Record{
		rec("a", "first", tasks.StatusPosted, ""),
		rec("b", "other", tasks.StatusPosted, ""),
		rec("a", "second", tasks.StatusPosted, ""),
	}
	plan := Reconcile(nil, fetched, nil, false)
	if got := ids(plan.Visible); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected visible ids %v", got)
	}
	if plan.Visible[0].Title != "first" || len(plan.Writes) != 2 || plan.Writes[0].Title != "first" {
		t.Fatalf("expected first occurrence retained, got %+v", plan)
	}
	if plan.Visible[0].Origin != tasks.OriginRemote {
		t.Fatalf("expected fetched records tagged remote, got %q", plan.Visible[0].Origin)
	}
}

func TestReconcileWritesButHidesRemotelyWithdrawn(t *testing.T) {
	existing := []tasks.Record{rec("t1", "T", tasks.StatusPosted, tasks.OriginRemote)}
	fetched := []tasks.Record{rec("t1", "T", tasks.StatusWithdrawn, "")}
	plan := Reconcile(existing, fetched, nil, false)
	if len(plan.Visible) != 0 {
		t.Fatalf("expected withdrawn record hidden, got %+v", plan.Visible)
	}
	if len(plan.Writes) != 1 || plan.Writes[0].Status != tasks.StatusWithdrawn {
		t.Fatalf("expected withdrawn record written, got %+v", plan.Writes)
	}
	if len(plan.Removals) != 0 {
		t.Fatalf("expected no removals, got %v", plan.Removals)
	}
}

func TestReconcilePreservesLocalOnlyAndPrunesStaleRemote(t *testing.T) {
	existing := []tasks.Record{
		rec("draft", "D", tasks.StatusPosted, tasks.OriginLocalOnly),
		rec("gone", "G", tasks.StatusPosted, tasks.OriginRemote),
		rec("kept", "old title", tasks.StatusPosted, tasks.OriginRemote),
	}
	fetched := []tasks.Record{rec("kept", "new title", tasks.StatusPosted, "")}
	plan := Reconcile(existing, fetched, nil, false)
	if got := ids(plan.Visible); !reflect.DeepEqual(got, []string{"kept", "draft"}) {
		t.Fatalf("unexpected visible ids %v", got)
	}
	if plan.Visible[0].Title != "new title" {
		t.Fatalf("expected remote copy to win, got %+v", plan.Visible[0])
	}
	if !reflect.DeepEqual(plan.Removals, []string{"gone"}) {
		t.Fatalf("expected stale remote entry removed, got %v", plan.Removals)
	}
}

func TestReconcileSkipsSuppressedAndInvalid(t *testing.T) {
	fetched := []tasks.Record{
		rec("a", "A", tasks.StatusPosted, ""),
		rec("", "no id", tasks.StatusPosted, ""),
		rec("b", "", tasks.StatusPosted, ""),
		rec("c", "C", tasks.StatusPosted, ""),
	}
	existing := []tasks.Record{rec("d", "D", tasks.StatusPosted, tasks.OriginLocalOnly)}
	plan := Reconcile(existing, fetched, map[string]struct{}{"a": {}, "d": {}}, false)
	if got := ids(plan.Visible); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("unexpected visible ids %v", got)
	}
	if got := ids(plan.Writes); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("unexpected writes %v", got)
	}
}

func TestReconcileFilteredFetchRemovesNothing(t *testing.T) {
	existing := []tasks.Record{
		rec("draft", "D", tasks.StatusPosted, tasks.OriginLocalOnly),
		rec("other", "O", tasks.StatusPosted, tasks.OriginRemote),
		rec("match", "old", tasks.StatusPosted, tasks.OriginRemote),
	}
	fetched := []tasks.Record{rec("match", "new", tasks.StatusPosted, "")}
	plan := Reconcile(existing, fetched, nil, true)
	if len(plan.Removals) != 0 {
		t.Fatalf("expected no removals for a filtered fetch, got %v", plan.Removals)
	}
	if got := ids(plan.Visible); !reflect.DeepEqual(got, []string{"match"}) {
		t.Fatalf("expected only the matching record visible, got %v", got)
	}
	if got := ids(plan.Writes); !reflect.DeepEqual(got, []string{"match"}) {
		t.Fatalf("expected only the matching record written, got %v", got)
	}
}
