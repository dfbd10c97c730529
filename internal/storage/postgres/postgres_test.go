package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SURVEILLANCE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("Skipping test: SURVEILLANCE_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	s, err := New(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := s.pool.Exec(ctx, "TRUNCATE alerts, cameras RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPostgresAlerts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	cam, err := s.UpsertCamera(ctx, alert.Camera{Name: "lobby", Host: "10.0.0.2", Port: 8080, Active: true})
	if err != nil {
		t.Fatal(err)
	}

	for i, conf := range []float64{91, 99, 95, 97} {
		threat := "Robbery"
		if i == 1 {
			threat = "Stealing"
		}
		if _, err := s.CreateAlert(ctx, alert.NewAlert{
			ThreatType:     threat,
			Confidence:     conf,
			VideoTimestamp: "00:00:01.000",
			Timestamp:      now.Add(-time.Duration(i) * time.Minute),
			CameraID:       &cam.ID,
		}); err != nil {
			t.Fatalf("CreateAlert() failed: %v", err)
		}
	}

	stats, err := s.ThreatStats(ctx, now.Add(-15*time.Minute), 3)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 4 || stats.Counts[0].ThreatType != "Robbery" || stats.Counts[0].Count != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.Top) != 3 || stats.Top[0].Confidence != 99 {
		t.Errorf("top = %+v", stats.Top)
	}

	list, err := s.ListAlerts(ctx, alert.Filter{ThreatType: "robbery", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Confidence != 91 {
		t.Errorf("ListAlerts() = %+v", list)
	}
	t.Logf("✅ postgres store round trip with %d alerts", stats.Total)
}

func TestPostgresCameraUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertCamera(ctx, alert.Camera{Name: "dock", Host: "10.0.0.3", Port: 8080})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.UpsertCamera(ctx, alert.Camera{Name: "dock", Host: "10.0.0.4", Port: 554, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("upsert created a new row: %d vs %d", first.ID, second.ID)
	}
	cams, _ := s.ListCameras(ctx)
	if len(cams) != 1 || cams[0].Host != "10.0.0.4" || !cams[0].Active {
		t.Errorf("ListCameras() = %+v", cams)
	}
}
