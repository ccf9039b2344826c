package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeArchiver struct {
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakeArchiver) ArchiveTrades(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return f.n, f.err
}

func TestArchiver_RunUsesRetention(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	fake := &fakeArchiver{n: 4}
	a := NewArchiver(fake, 30, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return now }

	n, err := a.Run(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("Run = %d, %v", n, err)
	}
	if want := now.Add(-30 * 24 * time.Hour); len(fake.cutoffs) != 1 || !fake.cutoffs[0].Equal(want) {
		t.Fatalf("cutoffs = %v, want [%v]", fake.cutoffs, want)
	}
}

func TestArchiver_RunWrapsError(t *testing.T) {
	boom := errors.New("bucket gone")
	a := NewArchiver(&fakeArchiver{err: boom}, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := a.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestArchiver_RunCronRejectsBadExpression(t *testing.T) {
	a := NewArchiver(&fakeArchiver{}, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := a.RunCron(context.Background(), "0 3 *"); err == nil {
		t.Fatal("expected error for 3-field expression")
	}
}

func TestArchiver_RunCronStopsOnCancel(t *testing.T) {
	a := NewArchiver(&fakeArchiver{}, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.RunCron(ctx, "0 3 1 * *"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCronNext(t *testing.T) {
	base := time.Date(2025, 1, 15, 10, 7, 30, 0, time.UTC) // Wednesday
	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2025, 1, 15, 10, 8, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2025, 1, 15, 10, 15, 0, 0, time.UTC)},
		{"0 3 1 * *", time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC)},
		{"30 9 * * 1-5", time.Date(2025, 1, 16, 9, 30, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2025, 1, 19, 0, 0, 0, 0, time.UTC)},
		{"5,10 10 * * *", time.Date(2025, 1, 15, 10, 10, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sched, err := parseCron(tt.expr)
			if err != nil {
				t.Fatalf("parseCron: %v", err)
			}
			got, err := sched.next(base)
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCron_Invalid(t *testing.T) {
	for _, expr := range []string{
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
	} {
		t.Run(expr, func(t *testing.T) {
			if _, err := parseCron(expr); err == nil {
				t.Fatalf("parseCron(%q) accepted", expr)
			}
		})
	}
}

func TestCronNext_Impossible(t *testing.T) {
	sched, err := parseCron("0 0 30 2 *")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sched.next(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)); err == nil {
		t.Fatal("expected no match for February 30")
	}
}
