package state

import (
	"math/bits"
	"time"
)

const (
	WordBits = 64
	NumWords = WindowSize / WordBits
)

// Bitmap records which of the last WindowSize sequence numbers were seen.
// Bit d is set iff the sequence d positions before the reference point was seen.
type Bitmap [NumWords]uint64

// Verdict classifies a sequence number against a window.
type Verdict int

const (
	// Duplicate is an old or repeated sequence inside the tracked range.
	Duplicate Verdict = iota
	// Advanced is ordinary forward progress by less than WindowSize.
	Advanced
	// Jumped is a gap too large to track but within the expected counter range.
	Jumped
	// Reset means the sender most likely restarted its counter.
	Reset
)

func (v Verdict) String() string {
	switch v {
	case Duplicate:
		return "duplicate"
	case Advanced:
		return "advanced"
	case Jumped:
		return "jumped"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// New reports whether the verdict moved the reference point.
func (v Verdict) New() bool {
	return v != Duplicate
}

// IsResetDiff reports whether diff falls outside both the tracked and the expected range.
func IsResetDiff(diff int32) bool {
	return diff <= -WindowSize || diff >= ExpectedSeqnoRange
}

// SeqDiff is the signed distance from last to seq on a 32-bit counter.
func SeqDiff(seq, last uint32) int32 {
	return int32(seq - last)
}

// Mark sets the bit offset positions before the reference point. Out-of-range offsets are ignored.
func (b *Bitmap) Mark(offset int) {
	if offset < 0 || offset >= WindowSize {
		return
	}
	b[offset/WordBits] |= 1 << uint(offset%WordBits)
}

// Bit reports whether offset is marked. Out-of-range offsets read as unseen.
func (b *Bitmap) Bit(offset int) bool {
	if offset < 0 || offset >= WindowSize {
		return false
	}
	return b[offset/WordBits]&(1<<uint(offset%WordBits)) != 0
}

// Test reports whether seq was marked in a window whose reference point is ref.
func (b *Bitmap) Test(ref, seq uint32) bool {
	return b.Bit(int(SeqDiff(ref, seq)))
}

func (b *Bitmap) Clear() {
	*b = Bitmap{}
}

// shift moves every bit n positions further from the reference point.
func (b *Bitmap) shift(n int) {
	if n >= WindowSize {
		b.Clear()
		return
	}
	words, off := n/WordBits, uint(n%WordBits)
	for i := NumWords - 1; i >= 0; i-- {
		var v uint64
		if j := i - words; j >= 0 {
			v = b[j] << off
			if off != 0 && j > 0 {
				v |= b[j-1] >> (WordBits - off)
			}
		}
		b[i] = v
	}
}

// Admit classifies diff, the distance between an incoming sequence number and the reference
// point, and updates the bitmap accordingly.
func (b *Bitmap) Admit(diff int32, setMark bool) Verdict {
	switch {
	case diff <= 0 && diff > -WindowSize:
		if setMark {
			b.Mark(int(-diff))
		}
		return Duplicate
	case diff > 0 && diff < WindowSize:
		b.shift(int(diff))
		if setMark {
			b.Mark(0)
		}
		return Advanced
	case diff >= WindowSize && diff < ExpectedSeqnoRange:
		b.Clear()
		if setMark {
			b.Mark(0)
		}
		return Jumped
	default:
		b.Clear()
		if setMark {
			b.Mark(0)
		}
		return Reset
	}
}

func (b *Bitmap) Popcount() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// SeqWindow is a Bitmap together with its reference sequence number and restart protection state.
type SeqWindow struct {
	Bitmap
	Last      uint32
	lastReset time.Time
}

// Seen reports whether seq was already marked.
func (w *SeqWindow) Seen(seq uint32) bool {
	return w.Bitmap.Test(w.Last, seq)
}

// Admit classifies seq against the window and advances Last unless it is a duplicate.
func (w *SeqWindow) Admit(seq uint32, setMark bool) Verdict {
	diff := SeqDiff(seq, w.Last)
	v := w.Bitmap.Admit(diff, setMark)
	if v.New() {
		w.Last = seq
	}
	return v
}

// Protected refuses a reset-range diff for ResetProtection after the previous accepted reset.
// A reset-range diff that is not refused starts a new protection period.
func (w *SeqWindow) Protected(diff int32, now time.Time) bool {
	return ResetProtected(&w.lastReset, diff, now)
}

// ResetProtected implements restart protection against a caller-owned reset timestamp.
func ResetProtected(lastReset *time.Time, diff int32, now time.Time) bool {
	if !IsResetDiff(diff) {
		return false
	}
	if now.Sub(*lastReset) < ResetProtection {
		return true
	}
	*lastReset = now
	return false
}
