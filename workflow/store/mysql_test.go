package store

import (
	"context"
	"os"
	"testing"
	"time"
)

// getTestDSN reads TEST_MYSQL_DSN, grounded on the teacher's mysql_test.go
// helper of the same name: MySQLStore tests that need a live server are
// skipped in environments without one configured.
func getTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Log("MySQL tests skipped: set TEST_MYSQL_DSN to run against a live server")
	}
	return dsn
}

func TestMySQLStore_InvalidDSN(t *testing.T) {
	// go-sql-driver/mysql parses the DSN inside sql.Open, so a malformed DSN
	// makes NewMySQLStore fail at open time, before any connection or
	// migration is attempted.
	_, err := NewMySQLStore("not-a-valid-dsn", nil)
	if err == nil {
		t.Error("expected NewMySQLStore to fail against an unreachable DSN")
	}
}

func TestMySQLStore_LiveServer(t *testing.T) {
	dsn := getTestDSN(t)
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}

	s, err := NewMySQLStore(dsn, nil)
	if err != nil {
		t.Fatalf("NewMySQLStore failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	runID := "mysql-it-" + time.Now().Format("20060102150405")

	if err := s.CreateRun(ctx, RunRow{ID: runID, Status: "draft", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.UpdateRunState(ctx, runID, "draft", "planning", time.Now()); err != nil {
		t.Fatalf("UpdateRunState failed: %v", err)
	}

	if _, _, err := s.AppendEvent(ctx, Event{RunID: runID, EventType: "heartbeat"}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	events, err := s.EventsForRun(ctx, runID, EventFilters{IncludeInternal: true})
	if err != nil {
		t.Fatalf("EventsForRun failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}
