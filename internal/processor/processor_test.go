package processor

import (
	"errors"
	"testing"
	"time"
)

func TestGrayscale(t *testing.T) {
	in := []byte{
		255, 0, 0, 255,
		0, 255, 0, 128,
		0, 0, 255, 0,
		10, 20, 30, 40,
	}
	out, elapsed, err := Grayscale{}.Process(2, 2, in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if elapsed < 0 {
		t.Errorf("elapsed = %v", elapsed)
	}
	want := []byte{
		76, 76, 76, 255,
		150, 150, 150, 128,
		29, 29, 29, 0,
		18, 18, 18, 40,
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out[%d] = %d, want %d (out %v)", i, out[i], want[i], out)
		}
	}
	if in[1] != 0 {
		t.Error("input modified")
	}
}

func TestCheckInput(t *testing.T) {
	tests := []struct {
		name    string
		w, h    int
		n       int
		wantErr bool
	}{
		{"ok", 2, 2, 16, false},
		{"short", 2, 2, 15, true},
		{"zero", 0, 2, 0, true},
		{"negative", 2, -1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckInput(tt.w, tt.h, make([]byte, tt.n))
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckInput = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFuncAdapter(t *testing.T) {
	boom := errors.New("boom")
	var p Processor = Func(func(int, int, []byte) ([]byte, time.Duration, error) {
		return nil, 0, boom
	})
	if _, _, err := p.Process(1, 1, make([]byte, 4)); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}
