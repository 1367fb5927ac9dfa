package resolver

import (
	"testing"

	"scalesync/internal/models"
)

func meta(origin string, local, ts int64, deleted bool) models.SyncMeta {
	return models.SyncMeta{
		ID:        models.EntityID{Origin: origin, Local: local},
		UpdatedAt: ts,
		Deleted:   deleted,
	}
}

func TestResolve(t *testing.T) {
	local := meta("station-a", 1, 100, false)

	cases := []struct {
		name   string
		local  *models.SyncMeta
		remote models.SyncMeta
		want   Winner
	}{
		{"never seen locally", nil, meta("station-b", 1, 50, false), TakeRemote},
		{"remote newer", &local, meta("station-a", 1, 200, false), TakeRemote},
		{"remote older", &local, meta("station-a", 1, 50, false), KeepLocal},
		{"replay of same version", &local, meta("station-a", 1, 100, false), KeepLocal},
		{"tie broken toward higher origin", &local, meta("station-b", 1, 100, false), TakeRemote},
		{"tie broken against lower origin", &local, meta("station-A", 1, 100, false), KeepLocal},
		{"newer delete beats live row", &local, meta("station-a", 1, 200, true), TakeRemote},
		{"older update loses to tombstone", ptr(meta("station-a", 1, 300, true)), meta("station-b", 1, 200, false), KeepLocal},
		{"newer update un-deletes", ptr(meta("station-a", 1, 300, true)), meta("station-b", 1, 400, false), TakeRemote},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolve(tc.local, tc.remote); got != tc.want {
				t.Fatalf("Resolve() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveIsSymmetricallyConsistent(t *testing.T) {
	// Whichever side applies the other's version, both must settle on the
	// same row.
	a := meta("station-a", 1, 100, false)
	b := meta("station-b", 1, 100, false)

	aTakes := Resolve(&a, b) == TakeRemote
	bTakes := Resolve(&b, a) == TakeRemote
	if aTakes == bTakes {
		t.Fatalf("both sides resolved the same way: aTakes=%v bTakes=%v", aTakes, bTakes)
	}
}

func TestMergeWeighingsUnion(t *testing.T) {
	shared := models.Weighing{SyncMeta: meta("station-a", 1, 100, false), NetKg: 10}
	localOnly := models.Weighing{SyncMeta: meta("station-a", 2, 110, false), NetKg: 20}
	remoteOnly := models.Weighing{SyncMeta: meta("station-b", 1, 120, false), NetKg: 30}

	merged := MergeWeighings(
		[]models.Weighing{shared, localOnly},
		[]models.Weighing{shared, remoteOnly},
	)
	if len(merged) != 3 {
		t.Fatalf("merged %d weighings, want 3", len(merged))
	}
	seen := make(map[models.EntityID]bool)
	for _, w := range merged {
		seen[w.ID] = true
	}
	for _, w := range []models.Weighing{shared, localOnly, remoteOnly} {
		if !seen[w.ID] {
			t.Fatalf("weighing %v missing from merge", w.ID)
		}
	}
}

func TestMergeWeighingsResolvesDuplicates(t *testing.T) {
	older := models.Weighing{SyncMeta: meta("station-a", 1, 100, false), NetKg: 10}
	newer := older
	newer.UpdatedAt = 200
	newer.NetKg = 12.5

	merged := MergeWeighings([]models.Weighing{older}, []models.Weighing{newer})
	if len(merged) != 1 {
		t.Fatalf("merged %d weighings, want 1", len(merged))
	}
	if merged[0].NetKg != 12.5 {
		t.Fatalf("merge kept stale version: net %v", merged[0].NetKg)
	}

	// Remote older: local stays.
	merged = MergeWeighings([]models.Weighing{newer}, []models.Weighing{older})
	if merged[0].NetKg != 12.5 {
		t.Fatalf("merge let older version win: net %v", merged[0].NetKg)
	}
}

func ptr(m models.SyncMeta) *models.SyncMeta { return &m }
