package main

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"r0sim-server/sim"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSummary(run uint64) sim.RunSummary {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return sim.RunSummary{
		Run:                 run,
		Seed:                int64(100 + run),
		Population:          100,
		VaccinationFraction: 0.3,
		InitialInfected:     1,
		R0:                  1.5,
		Ticks:               400,
		PeakInfected:        42,
		Final:               sim.Counts{Infected: 0, Recovered: 60, Vaccinated: 30, Healthy: 10},
		StartedAt:           start,
		EndedAt:             start.Add(40 * time.Second),
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if got := db.GetSetting("missing"); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
	if err := db.SetSetting("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSetting("k", "v2"); err != nil {
		t.Fatal(err)
	}
	if got := db.GetSetting("k"); got != "v2" {
		t.Errorf("expected v2, got %q", got)
	}
}

func TestInsertAndListRuns(t *testing.T) {
	db := openTestDB(t)
	if err := db.InsertRuns([]sim.RunSummary{testSummary(1), testSummary(2), testSummary(3)}); err != nil {
		t.Fatal(err)
	}

	runs, err := db.ListRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Run != 3 || runs[1].Run != 2 {
		t.Errorf("expected newest first, got runs %d, %d", runs[0].Run, runs[1].Run)
	}
	r := runs[0]
	want := testSummary(3)
	if r.Seed != want.Seed || r.Ticks != want.Ticks || r.PeakInfected != 42 || r.FinalRecovered != 60 || r.FinalHealthy != 10 {
		t.Errorf("unexpected row %+v", r)
	}
	if !r.StartedAt.Equal(want.StartedAt) || !r.EndedAt.Equal(want.EndedAt) {
		t.Errorf("timestamps not preserved: %v %v", r.StartedAt, r.EndedAt)
	}

	n, err := db.CountRuns()
	if err != nil || n != 3 {
		t.Errorf("expected 3 runs, got %d (%v)", n, err)
	}
}

func TestArchiveFlushesOnStop(t *testing.T) {
	db := openTestDB(t)
	a := newArchive(db, time.Hour) // only Stop flushes

	for i := uint64(1); i <= 5; i++ {
		a.Record(testSummary(i))
	}
	a.Stop()

	n, _ := db.CountRuns()
	if n != 5 {
		t.Errorf("expected 5 archived runs, got %d", n)
	}
	written, dropped := a.Stats()
	if written != 5 || dropped != 0 {
		t.Errorf("unexpected stats written=%d dropped=%d", written, dropped)
	}

	// recording after Stop writes nothing and is counted as dropped
	a.Record(testSummary(6))
	a.Stop()
	n, _ = db.CountRuns()
	if n != 5 {
		t.Errorf("expected 5 runs after stop, got %d", n)
	}
	if _, dropped = a.Stats(); dropped != 1 {
		t.Errorf("expected 1 dropped after stop, got %d", dropped)
	}
}

func TestArchiveRecordRacingStopLosesNothing(t *testing.T) {
	db := openTestDB(t)
	a := newArchive(db, time.Hour)

	const writers, perWriter = 8, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				a.Record(testSummary(uint64(w*perWriter + i)))
			}
		}(w)
	}
	a.Stop()
	wg.Wait()

	written, dropped := a.Stats()
	if written+dropped != writers*perWriter {
		t.Errorf("every summary must be written or dropped: written=%d dropped=%d", written, dropped)
	}
	n, _ := db.CountRuns()
	if n != written {
		t.Errorf("expected %d rows, got %d", written, n)
	}
}

func TestArchiveFlushesPeriodically(t *testing.T) {
	db := openTestDB(t)
	a := newArchive(db, 10*time.Millisecond)
	defer a.Stop()

	a.Record(testSummary(1))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := db.CountRuns(); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("summary never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestArchiveFromController(t *testing.T) {
	db := openTestDB(t)
	a := newArchive(db, time.Hour)

	ctrl, err := sim.NewController(sim.DefaultWorldParams(), sim.DefaultSettings(), 5)
	if err != nil {
		t.Fatal(err)
	}
	ctrl.OnRunEnd(a.Record)
	if err := ctrl.Initialize(60, 0.5, 2); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		ctrl.Advance()
	}
	ctrl.RequestRestart(1)
	a.Stop()

	runs, err := db.ListRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Ticks != 10 || runs[0].Population != 60 || runs[0].FinalVaccinated != 30 {
		t.Errorf("unexpected run %+v", runs[0])
	}
}
