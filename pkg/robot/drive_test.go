package robot

import (
	"math"
	"testing"
)

func newTestDrive() (*Drive, *recorder) {
	port := &recorder{}
	return NewDrive(port, DriveConfig{}, nil), port
}

func TestDrive_FromVelocities(t *testing.T) {
	d, _ := newTestDrive()

	fullForward := int(math.Round(DefaultMaxPWM * 0.95 * DefaultCorrection))
	saturated := int(math.Round(DefaultMaxPWM * DefaultCorrection))

	tests := []struct {
		name        string
		v, w        float64
		left, right int
	}{
		{"idle", 0, 0, 0, 0},
		{"full forward", 10, 0, fullForward, 62258},
		{"full reverse", -10, 0, -62258, -62258},
		{"pivot right", 0, 10, fullForward, -62258},
		{"pivot left", 0, -10, -62258, 62258},
		{"gentle curve", 5, 2, int(math.Round(43580.775 * DefaultCorrection)), 18677},
		{"saturated forward", 10, 10, saturated, 0},
		{"saturated reverse", -10, -10, -DefaultMaxPWM, 0},
		{"out of range input", 30, 0, saturated, DefaultMaxPWM},
	}

	for _, tt := range tests {
		left, right := d.FromVelocities(tt.v, tt.w)
		if left != tt.left || right != tt.right {
			t.Errorf("%s: FromVelocities(%g, %g) = (%d, %d), want (%d, %d)",
				tt.name, tt.v, tt.w, left, right, tt.left, tt.right)
		}
	}
}

func TestDrive_FromVelocitiesSaturates(t *testing.T) {
	d, _ := newTestDrive()

	for v := -20.0; v <= 20; v += 2.5 {
		for w := -20.0; w <= 20; w += 2.5 {
			left, right := d.FromVelocities(v, w)
			if left > DefaultMaxPWM || left < -DefaultMaxPWM {
				t.Fatalf("left %d overflowed for v=%g w=%g", left, v, w)
			}
			if right > DefaultMaxPWM || right < -DefaultMaxPWM {
				t.Fatalf("right %d overflowed for v=%g w=%g", right, v, w)
			}
		}
	}

	// Unscaled sum beyond the limit clamps exactly.
	_, right := d.FromVelocities(-10, 10)
	if right != -DefaultMaxPWM {
		t.Errorf("right = %d, want %d", right, -DefaultMaxPWM)
	}
}

func TestDrive_SetPWM(t *testing.T) {
	tests := []struct {
		name        string
		left, right int
		want        map[DriveChannel]uint32
	}{
		{
			name: "both forward",
			left: 1000, right: 2000,
			want: map[DriveChannel]uint32{LeftForward: 1000, LeftBackward: 0, RightForward: 2000, RightBackward: 0},
		},
		{
			name: "both reverse, right corrected",
			left: -1000, right: -2000,
			want: map[DriveChannel]uint32{LeftForward: 0, LeftBackward: 1000, RightForward: 0, RightBackward: 1700},
		},
		{
			name: "pivot",
			left: 500, right: -500,
			want: map[DriveChannel]uint32{LeftForward: 500, LeftBackward: 0, RightForward: 0, RightBackward: 425},
		},
		{
			name: "zero goes to backward outputs",
			left: 0, right: 0,
			want: map[DriveChannel]uint32{LeftForward: 0, LeftBackward: 0, RightForward: 0, RightBackward: 0},
		},
	}

	for _, tt := range tests {
		d, port := newTestDrive()
		if err := d.SetPWM(tt.left, tt.right); err != nil {
			t.Fatalf("%s: SetPWM: %v", tt.name, err)
		}
		if len(port.drive) != 4 {
			t.Fatalf("%s: got %d writes, want 4", tt.name, len(port.drive))
		}
		got := port.last()
		for ch, duty := range tt.want {
			if got[ch] != duty {
				t.Errorf("%s: %s = %d, want %d", tt.name, ch, got[ch], duty)
			}
		}
	}
}

func TestDrive_StaticPivotIsSymmetricAtOutputs(t *testing.T) {
	for _, w := range []float64{10, -10, 4} {
		d, port := newTestDrive()
		left, right := d.FromVelocities(0, w)
		if err := d.SetPWM(left, right); err != nil {
			t.Fatalf("SetPWM: %v", err)
		}
		out := port.last()
		leftMag := int(out[LeftForward]) + int(out[LeftBackward])
		rightMag := int(out[RightForward]) + int(out[RightBackward])
		if diff := leftMag - rightMag; diff < -1 || diff > 1 {
			t.Errorf("w=%g: left magnitude %d, right magnitude %d", w, leftMag, rightMag)
		}
		if (out[LeftForward] > 0) == (out[RightForward] > 0) {
			t.Errorf("w=%g: wheels turn the same way: %v", w, out)
		}
	}
}

func TestDrive_Stop(t *testing.T) {
	d, port := newTestDrive()
	_ = d.SetPWM(3000, -3000)
	port.drive = nil

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(port.drive) != 4 {
		t.Fatalf("Stop wrote %d outputs, want 4", len(port.drive))
	}
	for _, w := range port.drive {
		if w.duty != 0 {
			t.Errorf("%s = %d after stop", w.ch, w.duty)
		}
	}
}
