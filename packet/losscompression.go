package packet

import (
	"encoding/binary"

	"github.com/srtgo/srtgo/seq"
)

const rangeFlag = uint32(1) << 31

// marshalLossList encodes a sorted, duplicate-free list of sequence numbers
// into the Nak wire body: a run of length >= 2 collapses into
// (start|0x8000_0000, end); a singleton is written as-is.
func marshalLossList(list []seq.SeqNumber) []byte {
	entries := encodeLossList(list)
	buf := make([]byte, len(entries)*4)
	for i, e := range entries {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], e)
	}
	return buf
}

func unmarshalLossList(body []byte) ([]seq.SeqNumber, error) {
	if len(body)%4 != 0 {
		return nil, ErrShortHeader
	}
	entries := make([]uint32, len(body)/4)
	for i := range entries {
		entries[i] = binary.BigEndian.Uint32(body[i*4 : i*4+4])
	}
	return decodeLossList(entries)
}

// encodeLossList is the in-memory form of §4.3's compression, independent
// of wire byte order; exported indirectly via marshalLossList.
func encodeLossList(list []seq.SeqNumber) []uint32 {
	out := make([]uint32, 0, len(list))
	i := 0
	for i < len(list) {
		start := list[i]
		j := i
		for j+1 < len(list) && list[j+1].Sub(list[j]) == 1 {
			j++
		}
		if j > i {
			out = append(out, uint32(start)|rangeFlag, uint32(list[j]))
		} else {
			out = append(out, uint32(start))
		}
		i = j + 1
	}
	return out
}

// decodeLossList is the inverse of encodeLossList.
func decodeLossList(entries []uint32) ([]seq.SeqNumber, error) {
	out := make([]seq.SeqNumber, 0, len(entries))
	i := 0
	for i < len(entries) {
		v := entries[i]
		if v&rangeFlag != 0 {
			if i+1 >= len(entries) {
				return nil, ErrShortHeader
			}
			start := seq.NewSeq(v &^ rangeFlag)
			end := seq.NewSeq(entries[i+1])
			for s := start; ; s = s.Add(1) {
				out = append(out, s)
				if s == end {
					break
				}
			}
			i += 2
		} else {
			out = append(out, seq.NewSeq(v))
			i++
		}
	}
	return out, nil
}
