package notification

import "testing"

func TestVersionRangeCollection_AddAndContains(t *testing.T) {
	c := NewVersionRangeCollection()
	if !c.IsEmpty() {
		t.Fatalf("new collection not empty")
	}

	c.AddRange(VersionRange{StartVersion: 1, EndVersion: 51})
	for _, v := range []int64{1, 25, 50} {
		if !c.Contains(v) {
			t.Errorf("missing version %d", v)
		}
	}
	for _, v := range []int64{0, 51, 100} {
		if c.Contains(v) {
			t.Errorf("unexpected version %d", v)
		}
	}
	if c.EndVersion() != 51 {
		t.Errorf("EndVersion = %d", c.EndVersion())
	}
}

func TestVersionRangeCollection_Coalescing(t *testing.T) {
	c := NewVersionRangeCollection()
	c.AddRange(VersionRange{StartVersion: 1, EndVersion: 5})
	c.AddRange(VersionRange{StartVersion: 10, EndVersion: 15})
	if got := len(c.Ranges()); got != 2 {
		t.Fatalf("disjoint ranges merged: %d", got)
	}

	// Adjacent ranges coalesce.
	c.AddRange(VersionRange{StartVersion: 5, EndVersion: 10})
	if got := len(c.Ranges()); got != 1 {
		t.Fatalf("adjacent ranges did not coalesce: %v", c.Ranges())
	}
	if c.EndVersion() != 15 {
		t.Errorf("EndVersion = %d", c.EndVersion())
	}

	// Overlap extends.
	c.AddRange(VersionRange{StartVersion: 12, EndVersion: 20})
	if got := c.Ranges(); len(got) != 1 || got[0].StartVersion != 1 || got[0].EndVersion != 20 {
		t.Errorf("overlap merge = %v", got)
	}
}

func TestVersionRangeCollection_Merge(t *testing.T) {
	a := NewVersionRangeCollection()
	a.Add(1)
	a.Add(3)
	b := NewVersionRangeCollection()
	b.Add(2)
	b.AddRange(VersionRange{StartVersion: 5, EndVersion: 8})

	a.Merge(b)
	if !a.Contains(2) || !a.Contains(6) {
		t.Errorf("merge lost versions: %s", a.String())
	}
	// 1,2,3 coalesce into one range.
	if got := a.Ranges(); got[0].StartVersion != 1 || got[0].EndVersion != 4 {
		t.Errorf("coalesced head range = %v", got)
	}
}

func TestVersionRangeCollection_CloneIsIndependent(t *testing.T) {
	a := NewVersionRangeCollection()
	a.Add(1)
	b := a.Clone()
	b.Add(2)
	if a.Contains(2) {
		t.Errorf("clone shares state with original")
	}
}
