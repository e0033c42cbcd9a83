package m2m

import (
	"testing"
	"time"
)

func TestFrameState_String(t *testing.T) {
	tests := []struct {
		state FrameState
		want  string
	}{
		{FrameStatePending, "pending"},
		{FrameStateSubmitted, "submitted"},
		{FrameStateDone, "done"},
		{FrameStateDropped, "dropped"},
		{FrameState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("FrameState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrameType_String(t *testing.T) {
	tests := []struct {
		ft   FrameType
		want string
	}{
		{FrameTypeKey, "Key"},
		{FrameTypeDelta, "Delta"},
		{FrameTypeNonRef, "NonRef"},
		{FrameTypeUnknown, "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.ft.String(); got != tt.want {
				t.Errorf("FrameType.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodecFrame_AttachRelease(t *testing.T) {
	buf := NewDeviceBuffer(DirectionOutput, 0, make([]byte, 16))
	buf.Fill([]byte("decoded"))
	buf.Flags = BufferFlagKeyframe

	var released []*DeviceBuffer
	f := NewCodecFrame([]byte("coded"), 33*time.Millisecond)
	f.attach(buf, func(b *DeviceBuffer) { released = append(released, b) })

	if f.State() != FrameStateDone {
		t.Errorf("State() = %v, want done", f.State())
	}
	if string(f.Output) != "decoded" || !f.Keyframe {
		t.Errorf("Output = %q keyframe=%v", f.Output, f.Keyframe)
	}

	f.Release()
	f.Release()
	if len(released) != 1 {
		t.Fatalf("buffer released %d times, want 1", len(released))
	}
	if f.Output != nil {
		t.Error("Output still set after Release")
	}
}

func TestCodecFrame_Detach(t *testing.T) {
	buf := NewDeviceBuffer(DirectionOutput, 0, make([]byte, 16))
	buf.Fill([]byte("decoded"))
	meta := &MotionVectorMeta{}
	meta.Set([]MotionVector{{X: 1, Y: 2, Weight: 3}})
	buf.Meta = meta

	released := 0
	f := NewCodecFrame(nil, 0)
	f.attach(buf, func(*DeviceBuffer) { released++ })
	f.Detach()

	if released != 1 {
		t.Fatalf("Detach released %d times, want 1", released)
	}
	// Reusing the device buffer must not change the frame.
	buf.Fill([]byte("XXXXXXX"))
	meta.Reset()
	if string(f.Output) != "decoded" {
		t.Errorf("Output = %q after buffer reuse", f.Output)
	}
	if f.Meta.Len() != 1 || f.Meta.Vectors()[0].Weight != 3 {
		t.Errorf("Meta not copied: %+v", f.Meta.Vectors())
	}

	f.Detach()
	if released != 1 {
		t.Error("second Detach released again")
	}
}

func TestCodecFrame_PTS(t *testing.T) {
	if NewCodecFrame(nil, PTSUndefined).HasPTS() {
		t.Error("PTSUndefined frame reports a timestamp")
	}
	if !NewCodecFrame(nil, 0).HasPTS() {
		t.Error("zero timestamp is a valid timestamp")
	}
}

func TestCodecFrame_Clone(t *testing.T) {
	f := NewCodecFrame([]byte{1, 2, 3}, time.Second)
	f.FrameType = FrameTypeKey
	f.Output = []byte{9}
	c := f.Clone()
	f.Input[0] = 7
	f.Output[0] = 7
	if c.Input[0] != 1 || c.Output[0] != 9 {
		t.Error("Clone shares payload memory")
	}
	if c.PTS != time.Second || !c.IsKeyframe() {
		t.Errorf("Clone lost fields: %+v", c)
	}
}

func TestMotionVectorMeta_Truncates(t *testing.T) {
	m := &MotionVectorMeta{}
	n := m.Set(make([]MotionVector, MaxMotionVectors+10))
	if n != MaxMotionVectors || m.Len() != MaxMotionVectors {
		t.Errorf("Set stored %d vectors, want %d", n, MaxMotionVectors)
	}

	var nilMeta *MotionVectorMeta
	if nilMeta.Len() != 0 || nilMeta.Vectors() != nil || nilMeta.Clone() != nil {
		t.Error("nil meta should be empty")
	}
}
