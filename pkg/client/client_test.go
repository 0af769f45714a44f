package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/meridiandb/meridian-go/internal/backend"
	"github.com/meridiandb/meridian-go/internal/config"
	"github.com/meridiandb/meridian-go/internal/logger"
	"github.com/meridiandb/meridian-go/pkg/client"
)

func newFixture(t *testing.T, docs int) (*client.Client, string) {
	t.Helper()
	mem := backend.NewMemory(logger.Nop())
	const rid = "orders"
	if err := mem.CreateCollection(rid, "pk", 3); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	for i := 0; i < docs; i++ {
		_, err := mem.Insert(rid, map[string]interface{}{
			"id":  fmt.Sprintf("o%03d", i),
			"pk":  fmt.Sprintf("cust%d", i%5),
			"seq": i,
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	cfg := config.DefaultConfig()
	cli, err := client.New(client.Options{
		Executor: mem,
		Routing:  mem,
		Config:   cfg,
		Logger:   logger.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cli, rid
}

func pageIDs(t *testing.T, pages []*client.FeedResponse) []string {
	t.Helper()
	var out []string
	for _, p := range pages {
		for _, item := range p.Items {
			var doc struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(item, &doc); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			out = append(out, doc.ID)
		}
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	mem := backend.NewMemory(logger.Nop())
	if _, err := client.New(client.Options{Routing: mem}); err == nil {
		t.Error("missing Executor accepted")
	}
	if _, err := client.New(client.Options{Executor: mem}); err == nil {
		t.Error("missing Routing accepted")
	}
	if _, err := client.New(client.Options{Executor: mem, Routing: mem}); err != nil {
		t.Errorf("minimal options rejected: %v", err)
	}
}

func TestExecuteQueryOrdered(t *testing.T) {
	cli, rid := newFixture(t, 12)
	feed, err := cli.ExecuteQuery(context.Background(), rid,
		client.SQLQuery{Text: "SELECT * FROM c ORDER BY c.seq"},
		&client.FeedOptions{MaxItemCount: 5, EnableCrossPartitionQuery: true})
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	defer feed.Close()
	if feed.ActivityID() == "" {
		t.Error("feed should carry an activity id")
	}

	pages, err := feed.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	got := pageIDs(t, pages)
	if len(got) != 12 {
		t.Fatalf("drained %d documents, want 12", len(got))
	}
	for i, id := range got {
		if want := fmt.Sprintf("o%03d", i); id != want {
			t.Fatalf("position %d = %s, want %s", i, id, want)
		}
	}
	for _, p := range pages {
		if p.ActivityID != feed.ActivityID() {
			t.Errorf("page activity %q differs from feed %q", p.ActivityID, feed.ActivityID())
		}
	}
}

func TestFeedResumeAcrossClients(t *testing.T) {
	cli, rid := newFixture(t, 10)
	q := client.SQLQuery{Text: "SELECT * FROM c ORDER BY c.seq"}

	var got []string
	cont := ""
	for hops := 0; ; hops++ {
		if hops > 20 {
			t.Fatal("resume loop did not terminate")
		}
		feed, err := cli.ExecuteQuery(context.Background(), rid, q, &client.FeedOptions{
			MaxItemCount:              3,
			EnableCrossPartitionQuery: true,
			RequestContinuation:       cont,
		})
		if err != nil {
			t.Fatalf("ExecuteQuery: %v", err)
		}
		resp, err := feed.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, pageIDs(t, []*client.FeedResponse{resp})...)
		cont = resp.Continuation
		feed.Close()
		if cont == "" {
			break
		}
	}
	if len(got) != 10 {
		t.Fatalf("resumed drain saw %d documents, want 10", len(got))
	}
	for i, id := range got {
		if want := fmt.Sprintf("o%03d", i); id != want {
			t.Fatalf("position %d = %s, want %s", i, id, want)
		}
	}
}

func TestQueryParameters(t *testing.T) {
	cli, rid := newFixture(t, 6)
	feed, err := cli.ExecuteQuery(context.Background(), rid,
		client.SQLQuery{
			Text:       "SELECT * FROM c",
			Parameters: []client.Parameter{{Name: "@min", Value: 3}},
		},
		&client.FeedOptions{MaxItemCount: 10, EnableCrossPartitionQuery: true})
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	defer feed.Close()
	pages, err := feed.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got := len(pageIDs(t, pages)); got != 6 {
		t.Errorf("drained %d documents, want 6", got)
	}
}

func TestPlanRejectionSurfacesBeforeExecution(t *testing.T) {
	cli, rid := newFixture(t, 3)
	_, err := cli.ExecuteQuery(context.Background(), rid,
		client.SQLQuery{Text: "DELETE FROM c"}, nil)
	if err == nil {
		t.Fatal("non-SELECT statement accepted")
	}
}

func TestFeedCloseIsIdempotent(t *testing.T) {
	cli, rid := newFixture(t, 5)
	feed, err := cli.ExecuteQuery(context.Background(), rid,
		client.SQLQuery{Text: "SELECT * FROM c"},
		&client.FeedOptions{MaxItemCount: 2, EnableCrossPartitionQuery: true})
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if _, err := feed.Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := feed.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := feed.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
