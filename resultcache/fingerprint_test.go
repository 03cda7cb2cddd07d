package resultcache

import "testing"

func TestFingerprint_StableForIdenticalInputs(t *testing.T) {
	a := Fingerprint("select * from logs", "", "", nil, nil)
	b := Fingerprint("select * from logs", "", "", nil, nil)
	if a != b {
		t.Fatalf("fingerprint not stable: %d != %d", a, b)
	}
}

func TestFingerprint_NewlinesNormalizedLikeSpaces(t *testing.T) {
	a := Fingerprint("select *\nfrom logs", "", "", nil, nil)
	b := Fingerprint("select * from logs", "", "", nil, nil)
	if a != b {
		t.Fatalf("newline-normalized SQL should fingerprint the same: %d != %d", a, b)
	}
}

func TestFingerprint_SensitiveToVRLActionRegionsClusters(t *testing.T) {
	base := Fingerprint("select * from logs", "", "", nil, nil)
	withVRL := Fingerprint("select * from logs", ".foo = 1", "", nil, nil)
	withAction := Fingerprint("select * from logs", "", "act1", nil, nil)
	withRegion := Fingerprint("select * from logs", "", "", []string{"us-east"}, nil)
	withCluster := Fingerprint("select * from logs", "", "", nil, []string{"c1"})

	seen := map[uint64]bool{base: true}
	for _, fp := range []uint64{withVRL, withAction, withRegion, withCluster} {
		if seen[fp] {
			t.Fatalf("expected distinct fingerprints, got collision: %d", fp)
		}
		seen[fp] = true
	}
}
