package hwid

import (
	"errors"
	"testing"

	"github.com/Hara602/usbWarden/internal/model"
)

func TestParse(t *testing.T) {
	id, err := Parse(`USB\VID_046D&PID_C52B&REV_1203\6&2C24CE3&0&2`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.VendorID != "046D" || id.ProductID != "C52B" || id.Revision != "1203" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestParse_NoRevision(t *testing.T) {
	id, err := Parse(`USB\VID_046D&PID_C52B`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.Revision != "" {
		t.Errorf("expected empty revision, got %q", id.Revision)
	}
	if id.String() != `USB\VID_046D&PID_C52B` {
		t.Errorf("canonical form: %q", id.String())
	}
}

func TestParse_LowercaseInput(t *testing.T) {
	id, err := Parse(`usb\vid_046d&pid_c52b\serial01`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.VendorID != "046D" || id.ProductID != "C52B" {
		t.Errorf("case not normalized: %+v", id)
	}
}

func TestParse_NotRemovableBus(t *testing.T) {
	_, err := Parse(`PCI\VEN_8086&DEV_1C3A`)
	if !errors.Is(err, ErrNotRemovableBus) {
		t.Fatalf("expected ErrNotRemovableBus, got %v", err)
	}
	if IsRemovableBus(`PCI\VEN_8086`) {
		t.Error("PCI id must not be removable")
	}
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse(`USB\ROOT_HUB30\4&123`)
	if !errors.Is(err, ErrMalformedID) {
		t.Fatalf("expected ErrMalformedID, got %v", err)
	}
}

func TestVariants_Order(t *testing.T) {
	id := model.HardwareID{VendorID: "046D", ProductID: "C52B", Revision: "1203"}
	vs := Variants(id)
	if len(vs) != 3 {
		t.Fatalf("expected 3 variants, got %d", len(vs))
	}
	// 最具体在前
	if vs[0].Revision != "1203" {
		t.Errorf("variant 0 should carry revision: %+v", vs[0])
	}
	if vs[1].Revision != "" || vs[1].ProductID != "C52B" {
		t.Errorf("variant 1 should be VID+PID: %+v", vs[1])
	}
	if vs[2].ProductID != "" || vs[2].VendorID != "046D" {
		t.Errorf("variant 2 should be vendor-wide: %+v", vs[2])
	}
}

func TestVariants_NoRevision(t *testing.T) {
	vs := Variants(model.HardwareID{VendorID: "046D", ProductID: "C52B"})
	if len(vs) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(vs))
	}
}

func TestMatches_Wildcard(t *testing.T) {
	dev := model.HardwareID{VendorID: "046D", ProductID: "C52B", Revision: "1203"}

	cases := []struct {
		rule model.HardwareID
		want bool
	}{
		{model.HardwareID{}, true}, // 全通配
		{model.HardwareID{VendorID: "046D"}, true},
		{model.HardwareID{VendorID: "046D", ProductID: "C52B"}, true},
		{model.HardwareID{VendorID: "046D", ProductID: "C52B", Revision: "1203"}, true},
		{model.HardwareID{VendorID: "1234"}, false},
		{model.HardwareID{VendorID: "046D", ProductID: "9999"}, false},
		{model.HardwareID{VendorID: "046D", ProductID: "C52B", Revision: "0001"}, false},
	}
	for _, c := range cases {
		if got := Matches(c.rule, dev); got != c.want {
			t.Errorf("Matches(%+v) = %v, want %v", c.rule, got, c.want)
		}
	}
}

func TestInterfaceNumber(t *testing.T) {
	if got := InterfaceNumber(`USB\VID_046D&PID_C52B&MI_01\7&ABC`); got != "01" {
		t.Errorf("InterfaceNumber = %q", got)
	}
	if got := InterfaceNumber(`USB\VID_046D&PID_C52B\serial`); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestInstanceSuffix(t *testing.T) {
	if got := InstanceSuffix(`USB\VID_046D&PID_C52B\SN12345`); got != "SN12345" {
		t.Errorf("InstanceSuffix = %q", got)
	}
}
