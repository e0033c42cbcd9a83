package m2m

// MaxMotionVectors bounds the motion-vector entries carried per frame.
const MaxMotionVectors = 12000

// MotionVector is one macroblock's motion vector as reported by an encoder.
// The pump never interprets it.
type MotionVector struct {
	X      int16
	Y      int16
	Weight uint32
}

// MotionVectorMeta is per-frame side data with a fixed inline capacity.
// It is owned by value; copying the struct copies the vectors.
type MotionVectorMeta struct {
	count   int
	vectors [MaxMotionVectors]MotionVector
}

// Len returns the number of stored vectors.
func (m *MotionVectorMeta) Len() int {
	if m == nil {
		return 0
	}
	return m.count
}

// Vectors returns the stored vectors. The slice aliases m.
func (m *MotionVectorMeta) Vectors() []MotionVector {
	if m == nil {
		return nil
	}
	return m.vectors[:m.count]
}

// Set replaces the stored vectors, truncating at MaxMotionVectors.
// It returns the number stored.
func (m *MotionVectorMeta) Set(v []MotionVector) int {
	m.count = copy(m.vectors[:], v)
	return m.count
}

// Reset empties m without releasing its storage.
func (m *MotionVectorMeta) Reset() { m.count = 0 }

// Clone returns an independent copy, or nil for an empty or nil meta.
func (m *MotionVectorMeta) Clone() *MotionVectorMeta {
	if m.Len() == 0 {
		return nil
	}
	c := &MotionVectorMeta{count: m.count}
	copy(c.vectors[:m.count], m.vectors[:m.count])
	return c
}
