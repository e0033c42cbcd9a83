package m2m

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func outputFrame(out []byte, pts time.Duration, key bool) *CodecFrame {
	f := NewCodecFrame(nil, pts)
	f.Output = out
	f.Keyframe = key
	return f
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.h264")
	s, err := CreateFileSink(path)
	require.NoError(t, err)

	require.NoError(t, s.WriteFrame(outputFrame([]byte{1, 2, 3}, 0, true)))
	require.NoError(t, s.WriteFrame(outputFrame([]byte{4, 5}, 40*time.Millisecond, false)))
	frames, n := s.Written()
	require.Equal(t, 2, frames)
	require.Equal(t, int64(5), n)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, data)
}

func TestMultiSink(t *testing.T) {
	var a, b int
	boom := errors.New("boom")
	m := MultiSink{
		SinkFunc(func(*CodecFrame) error { a++; return nil }),
		SinkFunc(func(*CodecFrame) error { b++; return boom }),
	}

	err := m.WriteFrame(outputFrame([]byte{1}, 0, true))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, a, "every sink sees the frame")
	require.Equal(t, 1, b)
	require.NoError(t, m.Close())
}

type captureRTP struct {
	packets []*rtp.Packet
	closed  bool
}

func (c *captureRTP) WriteRTP(p *rtp.Packet) error {
	c.packets = append(c.packets, p.Clone())
	return nil
}

func (c *captureRTP) Close() error {
	c.closed = true
	return nil
}

func TestRTPSink(t *testing.T) {
	w := &captureRTP{}
	s, err := NewRTPSink(w, RTPSinkConfig{Codec: VideoCodecH264, SSRC: 1234, MTU: 100})
	require.NoError(t, err)

	big := append([]byte{0x65}, bytes.Repeat([]byte{0xab}, 400)...)
	require.NoError(t, s.WriteFrame(outputFrame(annexB(big), time.Second, true)))
	first := len(w.packets)
	require.Greater(t, first, 1, "large NAL units are fragmented")

	require.NoError(t, s.WriteFrame(outputFrame(annexB([]byte{0x41, 0x9a}), time.Second+40*time.Millisecond, false)))
	require.NoError(t, s.WriteFrame(outputFrame(nil, 2*time.Second, false)))
	require.Equal(t, uint64(len(w.packets)), s.Packets())

	ts0 := w.packets[0].Timestamp
	for _, p := range w.packets[:first] {
		require.Equal(t, ts0, p.Timestamp)
		require.Equal(t, uint8(102), p.PayloadType)
		require.Equal(t, uint32(1234), p.SSRC)
		require.LessOrEqual(t, len(p.Payload), 100)
	}
	require.True(t, w.packets[first-1].Marker)
	require.Equal(t, uint32(3600), w.packets[first].Timestamp-ts0)

	require.NoError(t, s.Close())
	require.True(t, w.closed)
}

func TestRTPSink_UnknownCodec(t *testing.T) {
	_, err := NewRTPSink(&captureRTP{}, RTPSinkConfig{Codec: VideoCodecMJPEG})
	require.ErrorIs(t, err, ErrNoSupportedFormat)
}

func TestTrackSink(t *testing.T) {
	s, err := NewTrackSink(VideoCodecVP8, "video", "m2m", 0)
	require.NoError(t, err)
	require.Equal(t, "video/VP8", s.Track().Codec().MimeType)

	// Unbound tracks accept samples.
	require.NoError(t, s.WriteFrame(outputFrame([]byte{0x10, 0x02}, 0, true)))
	require.Equal(t, uint64(1), s.Frames())

	t.Run("durations follow timestamps", func(t *testing.T) {
		require.Equal(t, 20*time.Millisecond, s.sampleDuration(outputFrame(nil, 20*time.Millisecond, false)))
		f := outputFrame(nil, PTSUndefined, false)
		require.Equal(t, time.Second/30, s.sampleDuration(f))
		f.Duration = 10 * time.Millisecond
		require.Equal(t, 10*time.Millisecond, s.sampleDuration(f))
	})

	_, err = NewTrackSink(VideoCodecMJPEG, "video", "m2m", 0)
	require.ErrorIs(t, err, ErrNoSupportedFormat)
}

func TestTSSink_RoundTrip(t *testing.T) {
	aus := [][]byte{
		annexB(testSPS, testPPS, []byte{0x65, 0x88, 0x84, 0x00}),
		annexB([]byte{0x41, 0x9a, 0x02, 0x00}),
		annexB([]byte{0x41, 0x9a, 0x03, 0x00}),
	}
	var buf bytes.Buffer
	s, err := NewTSSink(&buf, VideoCodecH264)
	require.NoError(t, err)
	for i, au := range aus {
		require.NoError(t, s.WriteFrame(outputFrame(au, time.Duration(i)*40*time.Millisecond, i == 0)))
	}
	require.Equal(t, 3, s.Frames())
	require.NoError(t, s.Close())

	src := NewTSSource(bytes.NewReader(buf.Bytes()), -1, VideoCodecUnknown, testLogger())
	defer src.Close()
	var got []*CodecFrame
	for {
		f, err := src.ReadFrame(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, f)
	}
	require.Len(t, got, len(aus))
	for i, f := range got {
		require.Equal(t, aus[i], f.Input)
		require.Equal(t, time.Duration(i)*40*time.Millisecond, f.PTS)
	}
	require.Equal(t, FrameTypeKey, got[0].FrameType)

	_, err = NewTSSink(&buf, VideoCodecVP8)
	require.ErrorIs(t, err, ErrNoSupportedFormat)
}

func TestDurationToTicks(t *testing.T) {
	require.Equal(t, int64(90000), durationToTicks(time.Second, 90000))
	require.Equal(t, int64(3600), durationToTicks(40*time.Millisecond, 90000))
	require.Equal(t, 40*time.Millisecond, ticksToDuration(durationToTicks(40*time.Millisecond, 90000), 90000))
}

func nv12Frame(w, h int, y, u, v byte) []byte {
	data := bytes.Repeat([]byte{y}, w*h)
	for i := 0; i < w*h/4; i++ {
		data = append(data, u, v)
	}
	return data
}

func TestRawImage(t *testing.T) {
	t.Run("nv12", func(t *testing.T) {
		img, err := RawImage(FormatDescriptor{Fourcc: FourccNV12, Width: 4, Height: 2}, nv12Frame(4, 2, 100, 50, 200))
		require.NoError(t, err)
		r, g, b, _ := img.At(1, 1).RGBA()
		require.Greater(t, r, b, "Cr dominates")
		require.Greater(t, r, g)
	})

	t.Run("yuyv", func(t *testing.T) {
		data := bytes.Repeat([]byte{10, 128, 250, 128}, 4)
		img, err := RawImage(FormatDescriptor{Fourcc: FourccYUYV, Width: 4, Height: 2}, data)
		require.NoError(t, err)
		r0, _, _, _ := img.At(0, 0).RGBA()
		r1, _, _, _ := img.At(1, 0).RGBA()
		require.Less(t, r0, r1)
	})

	t.Run("short frame", func(t *testing.T) {
		_, err := RawImage(FormatDescriptor{Fourcc: FourccYUV420, Width: 4, Height: 4}, make([]byte, 10))
		require.Error(t, err)
	})

	t.Run("compressed", func(t *testing.T) {
		_, err := RawImage(FormatDescriptor{Fourcc: FourccH264, Width: 4, Height: 4}, make([]byte, 100))
		require.ErrorIs(t, err, ErrNoSupportedFormat)
	})
}

func TestSnapshotSink(t *testing.T) {
	fd := FormatDescriptor{Fourcc: FourccNV12, Width: 64, Height: 32}
	dir := t.TempDir()
	s, err := NewSnapshotSink(SnapshotConfig{
		Dir:    dir,
		Every:  2,
		Width:  32,
		Format: func() FormatDescriptor { return fd },
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.WriteFrame(outputFrame(nv12Frame(64, 32, 128, 128, 128), 0, false)))
	}
	require.Equal(t, 3, s.Written())
	require.Equal(t, filepath.Join(dir, "frame-000004.jpg"), s.Last())

	f, err := os.Open(s.Last())
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	require.Equal(t, 32, cfg.Width)
	require.Equal(t, 16, cfg.Height)
	require.NoError(t, s.Close())

	_, err = NewSnapshotSink(SnapshotConfig{Dir: dir})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
