package router

import (
	"testing"

	"github.com/dbrelay/dbrelay/internal/classify"
	"github.com/dbrelay/dbrelay/internal/sescmd"
)

func newSRSession(t *testing.T, mapping map[string]string) (*Session, *fakeDispatcher) {
	t.Helper()
	sm, err := NewShardMap(nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	disc := sm.BeginDiscovery()
	for db, backend := range mapping {
		if err := disc.AddRow(backend, db); err != nil {
			t.Fatal(err)
		}
	}
	disc.Commit()

	disp := &fakeDispatcher{}
	s := NewSession(disp, SRResolver{}, sescmd.NewLog(0, false))
	s.ShardMap = sm
	for _, backend := range mapping {
		if _, ok := s.Refs[backend]; !ok {
			s.AddBackend(backend, false)
		}
	}
	return s, disp
}

func classifyQuery(sql string) classify.Result {
	return classify.Classify(classify.CommandQuery, []byte(sql))
}

func TestSRResolveShowShardsIntercepted(t *testing.T) {
	s, _ := newSRSession(t, map[string]string{"app": "shard1"})
	route := SRResolver{}.Resolve(s, classifyQuery("SHOW SHARDS"), []byte("SHOW SHARDS"), Hint{})
	if route.Kind != RouteIntercepted || route.Intercepted == nil {
		t.Fatalf("expected SHOW SHARDS to be intercepted, got %+v", route)
	}
}

func TestSRResolveShowDatabasesIntercepted(t *testing.T) {
	s, _ := newSRSession(t, map[string]string{"app": "shard1"})
	raw := []byte("SHOW DATABASES")
	route := SRResolver{}.Resolve(s, classifyQuery("SHOW DATABASES"), raw, Hint{})
	if route.Kind != RouteIntercepted || route.Intercepted == nil {
		t.Fatalf("expected SHOW DATABASES to be intercepted, got %+v", route)
	}
}

func TestSRResolveRoutesByReferencedDatabase(t *testing.T) {
	s, _ := newSRSession(t, map[string]string{"app": "shard1", "billing": "shard2"})
	raw := []byte("SELECT * FROM billing.invoices")
	route := SRResolver{}.Resolve(s, classifyQuery("SELECT * FROM billing.invoices"), raw, Hint{})
	if route.Kind != RouteBackend || route.Backend != "shard2" {
		t.Fatalf("expected billing.invoices routed to shard2, got %+v", route)
	}
}

func TestSRResolveCrossShardRejected(t *testing.T) {
	s, _ := newSRSession(t, map[string]string{"app": "shard1", "billing": "shard2"})
	sql := "SELECT * FROM app.widgets, billing.invoices"
	route := SRResolver{}.Resolve(s, classifyQuery(sql), []byte(sql), Hint{})
	if route.Err == nil {
		t.Fatal("expected a cross-shard query to be rejected")
	}
}

func TestSRResolveUseSwitchesCurrentDB(t *testing.T) {
	s, _ := newSRSession(t, map[string]string{"app": "shard1"})
	route := SRResolver{}.Resolve(s, classify.Classify(classify.CommandInitDB, []byte("app")), []byte("app"), Hint{})
	if route.Kind != RouteBackend || route.Backend != "shard1" {
		t.Fatalf("expected USE app to route to shard1, got %+v", route)
	}
	if s.CurrentDB != "app" {
		t.Fatalf("expected CurrentDB to become %q, got %q", "app", s.CurrentDB)
	}
}

func TestSRResolveUseUnknownDatabaseErrors(t *testing.T) {
	s, _ := newSRSession(t, map[string]string{"app": "shard1"})
	route := SRResolver{}.Resolve(s, classify.Classify(classify.CommandInitDB, []byte("ghost")), []byte("ghost"), Hint{})
	if route.Err == nil {
		t.Fatal("expected USE of an unmapped database to error")
	}
}

func TestSRResolveCreateTempTableThenLookup(t *testing.T) {
	s, _ := newSRSession(t, map[string]string{"app": "shard1"})
	s.CurrentDB = "app"

	createSQL := "CREATE TEMPORARY TABLE scratch (id INT)"
	route := SRResolver{}.Resolve(s, classifyQuery(createSQL), []byte(createSQL), Hint{})
	if route.Kind != RouteBackend || route.Backend != "shard1" {
		t.Fatalf("expected temp table creation routed to shard1, got %+v", route)
	}

	selectSQL := "SELECT * FROM scratch"
	route = SRResolver{}.Resolve(s, classifyQuery(selectSQL), []byte(selectSQL), Hint{})
	if route.Kind != RouteBackend || route.Backend != "shard1" {
		t.Fatalf("expected subsequent temp table read to follow its owning shard, got %+v", route)
	}

	dropSQL := "DROP TABLE scratch"
	SRResolver{}.Resolve(s, classifyQuery(dropSQL), []byte(dropSQL), Hint{})
	if _, ok := s.TempTables[tempTableKey("app", "scratch")]; ok {
		t.Fatal("expected DROP TABLE to remove the temp table's shard mapping")
	}
}

func TestSRResolveNamedServerHintFallback(t *testing.T) {
	s, _ := newSRSession(t, map[string]string{})
	s.AddBackend("pinned", false)
	sql := "SELECT 1"
	route := SRResolver{}.Resolve(s, classifyQuery(sql), []byte(sql), Hint{NamedServer: "pinned"})
	if route.Kind != RouteBackend || route.Backend != "pinned" {
		t.Fatalf("expected named-server hint to win when nothing else resolves, got %+v", route)
	}
}
