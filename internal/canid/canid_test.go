package canid

import (
	"testing"

	"go.einride.tech/can"
)

func TestEncodeDecode(t *testing.T) {
	cases := []struct {
		name string
		f    can.Frame
		word uint32
	}{
		{"std", can.Frame{ID: 0x123}, 0x123},
		{"std_rtr", can.Frame{ID: 0x7FF, IsRemote: true}, 0x400007FF},
		{"ext", can.Frame{ID: 0x1ABCDEF0, IsExtended: true}, 0x9ABCDEF0},
		{"ext_rtr", can.Frame{ID: 0x12345, IsExtended: true, IsRemote: true}, 0xC0012345},
	}
	for _, tc := range cases {
		if got := Encode(tc.f); got != tc.word {
			t.Fatalf("%s: Encode=%08X want %08X", tc.name, got, tc.word)
		}
		if got := Decode(tc.word); got != tc.f {
			t.Fatalf("%s: Decode=%+v want %+v", tc.name, got, tc.f)
		}
	}
}

func TestEncodeMasksOversizedStandardID(t *testing.T) {
	if got := Encode(can.Frame{ID: 0xFFF}); got != 0x7FF {
		t.Fatalf("Encode=%08X", got)
	}
}

func TestIsError(t *testing.T) {
	if !IsError(ERRFlag | 0x4) {
		t.Fatalf("error flag not detected")
	}
	if IsError(EFFFlag | 0x4) {
		t.Fatalf("EFF reported as error")
	}
}

func TestBuilders(t *testing.T) {
	f := Std(0x123, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	if f.ID != 0x123 || f.Length != 8 || f.IsExtended || f.Data[7] != 8 {
		t.Fatalf("Std=%+v", f)
	}
	e := Ext(0x1234567, 0xAA)
	if !e.IsExtended || e.Length != 1 || e.ID != 0x1234567 {
		t.Fatalf("Ext=%+v", e)
	}
}
