package ram

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"tbcache/pkg/constants"
	"tbcache/pkg/errors"
	"tbcache/pkg/types"
)

func TestMutateAndInspectAcrossPages(t *testing.T) {
	r := NewRAM(4 * constants.PageSize)
	r.MutateAccessRange(0, 4*constants.PageSize, Mutable)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	start := uint64(constants.PageSize - 3)
	if err := r.MutateRange(start, data); err != nil {
		t.Fatalf("MutateRange: %v", err)
	}
	got, err := r.InspectRange(start, uint64(len(data)))
	if err != nil {
		t.Fatalf("InspectRange: %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("InspectRange mismatch (-want +got):\n%s", diff)
	}

	zero, err := r.InspectRange(2*constants.PageSize, 4)
	if err != nil {
		t.Fatalf("InspectRange: %v", err)
	}
	if diff := cmp.Diff([]byte{0, 0, 0, 0}, zero); diff != "" {
		t.Errorf("untouched page mismatch (-want +got):\n%s", diff)
	}
}

func TestAccessChecks(t *testing.T) {
	r := NewRAM(2 * constants.PageSize)
	r.MutateAccessRange(0, constants.PageSize, Immutable)

	tests := []struct {
		name  string
		write bool
		start uint64
		n     uint64
	}{
		{"write immutable", true, 0, 4},
		{"read inaccessible", false, constants.PageSize, 4},
		{"read straddling", false, constants.PageSize - 2, 4},
		{"read past end", false, 2*constants.PageSize - 2, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.write {
				err = r.MutateRange(tt.start, make([]byte, tt.n))
			} else {
				_, err = r.InspectRange(tt.start, tt.n)
			}
			if !errors.Is(err, ErrAccess) {
				t.Errorf("error = %v, want ErrAccess", err)
			}
		})
	}

	if err := r.Load(0, []byte{9}); err != nil {
		t.Errorf("Load ignores access rights, got %v", err)
	}
}

func TestCodeProtection(t *testing.T) {
	r := NewRAM(4 * constants.PageSize)
	page := types.PageIndex(2)

	r.ProtectCode(page)
	if !r.IsCodeProtected(page) {
		t.Fatal("page not protected after ProtectCode")
	}
	if !r.RangeHasCode(uint64(page.Addr())-1, 2) {
		t.Error("RangeHasCode missed straddling range")
	}
	if r.RangeHasCode(0, uint64(page.Addr())) {
		t.Error("RangeHasCode reported code below the page")
	}

	r.UnprotectCode(page)
	if r.IsCodeProtected(page) || r.CodePages() != 0 {
		t.Error("page still protected after UnprotectCode")
	}
	if p, u := r.ProtectionCalls(); p != 1 || u != 1 {
		t.Errorf("ProtectionCalls = %d, %d, want 1, 1", p, u)
	}
}

func TestProtectedPages(t *testing.T) {
	r := NewRAM(16 * constants.PageSize)
	for _, page := range []types.PageIndex{9, 3, 12} {
		r.ProtectCode(page)
	}
	r.UnprotectCode(12)
	if diff := cmp.Diff([]types.PageIndex{3, 9}, r.ProtectedPages()); diff != "" {
		t.Errorf("ProtectedPages mismatch (-want +got):\n%s", diff)
	}
}
