package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medidash/medidash/internal/config"
	"github.com/medidash/medidash/internal/domain/healthrecord"
	"github.com/medidash/medidash/internal/platform/changefeed"
	"github.com/medidash/medidash/internal/platform/db"
	"github.com/medidash/medidash/internal/platform/notification"
	"github.com/medidash/medidash/internal/platform/websocket"
	"github.com/medidash/medidash/migrations"
)

func TestMigrationSource_FallsBackToEmbedded(t *testing.T) {
	if got := migrationSource(""); got != migrations.FS {
		t.Error("empty dir should use embedded migrations")
	}
	if got := migrationSource("/does/not/exist"); got != migrations.FS {
		t.Error("missing dir should use embedded migrations")
	}
	if got := migrationSource(t.TempDir()); got == migrations.FS {
		t.Error("existing dir should be used")
	}
}

func TestEmbeddedMigrations_Load(t *testing.T) {
	m := db.NewMigrator(nil, migrations.FS)
	list, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(list) < 2 || list[0].Version != 1 || list[1].Version != 2 {
		t.Fatalf("unexpected migrations: %+v", list)
	}
	if !strings.Contains(list[1].SQL, "health_record") {
		t.Error("second migration should create health_record")
	}
}

func TestPrintStatus(t *testing.T) {
	applied := time.Date(2026, 10, 1, 7, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, "clinic_default", []db.MigrationStatus{
		{Version: 1, Name: "001_patients.sql", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "002_health_records.sql"},
	})

	out := buf.String()
	for _, want := range []string{"clinic_default", "001_patients.sql", "applied", "2026-10-01 07:30:00", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestNewMailer(t *testing.T) {
	if _, ok := newMailer(&config.Config{}).(notification.NopSender); !ok {
		t.Error("no SMTP host should disable mail")
	}
	if _, ok := newMailer(&config.Config{SMTPHost: "smtp.test", SMTPPort: 587}).(*notification.SMTPSender); !ok {
		t.Error("SMTP host should enable the SMTP sender")
	}
}

func TestNewChangefeed_LocalWithoutRedis(t *testing.T) {
	bus, err := newChangefeed(context.Background(), &config.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer bus.Close()
	if _, ok := bus.(*changefeed.LocalBus); !ok {
		t.Errorf("expected LocalBus, got %T", bus)
	}
}

func TestNewChangefeed_BadRedisURL(t *testing.T) {
	if _, err := newChangefeed(context.Background(), &config.Config{RedisURL: "not a url"}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}

func TestNewLogger_JSONOutsideDevelopment(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("production", &buf)
	logger.Info().Msg("hello")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"service":"medidash"`) {
		t.Errorf("expected JSON log line, got %q", buf.String())
	}
}

func TestByPatientID_RejectsInvalidID(t *testing.T) {
	called := false
	fn := byPatientID(func(ctx context.Context, id uuid.UUID) (<-chan []*healthrecord.Record, error) {
		called = true
		return nil, nil
	})
	if _, err := fn(context.Background(), "p1"); err == nil {
		t.Fatal("expected error for non-uuid patient id")
	}
	if called {
		t.Error("watch must not run for an invalid id")
	}
}

func TestByPatientID_ForwardsParsedID(t *testing.T) {
	want := uuid.New()
	src := make(chan string, 1)
	src <- "snapshot"
	close(src)

	fn := byPatientID(func(ctx context.Context, id uuid.UUID) (<-chan string, error) {
		if id != want {
			t.Errorf("got id %s, want %s", id, want)
		}
		return src, nil
	})

	out, err := fn(context.Background(), want.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := <-out; v != "snapshot" {
		t.Errorf("unexpected value %v", v)
	}
}

func TestRegisterLiveViews(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop(), nil)
	registerLiveViews(hub, nil, nil)

	client := websocket.NewClient(context.Background(), 4)
	hub.Register(client)
	defer hub.Unregister(client)

	for _, view := range []string{"profile", "history", "prescriptions", "labReports"} {
		err := hub.Watch(client, view, "not-a-uuid")
		if err == nil || strings.Contains(err.Error(), "unknown view") {
			t.Errorf("view %s should be registered and reject bad ids, got %v", view, err)
		}
	}
}
