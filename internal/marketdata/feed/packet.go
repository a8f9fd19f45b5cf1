package feed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-livepnl/internal/model"
)

// Exchange segments, carried in the low byte of the instrument token.
const (
	SegmentNSE     = 1
	SegmentNFO     = 2
	SegmentCDS     = 3
	SegmentBSE     = 4
	SegmentBFO     = 5
	SegmentBCD     = 6
	SegmentMCX     = 7
	SegmentMCXSX   = 8
	SegmentIndices = 9
)

// Packet payload sizes.
const (
	sizeLTP        = 8
	sizeIndexQuote = 28
	sizeIndexFull  = 32
	sizeQuote      = 44
	sizeFull       = 184
)

// ErrShortFrame is returned when a frame is shorter than its own header says.
var ErrShortFrame = errors.New("feed: short frame")

// priceExp returns the decimal exponent that scales a wire integer to rupees.
func priceExp(token uint32) int32 {
	switch token & 0xff {
	case SegmentCDS:
		return -7
	case SegmentBCD:
		return -4
	default:
		return -2
	}
}

func price(token uint32, raw uint32) decimal.Decimal {
	return decimal.New(int64(int32(raw)), priceExp(token))
}

// DecodeFrame splits a binary frame into ticks stamped with receivedAt.
// A single-byte frame is a heartbeat and yields no ticks. Packets with an
// unknown length are skipped and counted in malformed.
func DecodeFrame(b []byte, receivedAt time.Time) (ticks []model.Tick, malformed int, err error) {
	if len(b) < 2 {
		return nil, 0, nil
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	off := 2
	ticks = make([]model.Tick, 0, n)
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return ticks, malformed, fmt.Errorf("%w: packet %d header at %d", ErrShortFrame, i, off)
		}
		size := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if off+size > len(b) {
			return ticks, malformed, fmt.Errorf("%w: packet %d wants %d bytes, %d left", ErrShortFrame, i, size, len(b)-off)
		}
		t, ok := decodePacket(b[off:off+size], receivedAt)
		off += size
		if !ok {
			malformed++
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks, malformed, nil
}

func decodePacket(p []byte, receivedAt time.Time) (model.Tick, bool) {
	u32 := func(at int) uint32 { return binary.BigEndian.Uint32(p[at : at+4]) }

	switch len(p) {
	case sizeLTP, sizeIndexQuote, sizeIndexFull, sizeQuote, sizeFull:
	default:
		return model.Tick{}, false
	}

	token := u32(0)
	t := model.Tick{
		InstrumentID: model.InstrumentID(token),
		LastPrice:    price(token, u32(4)),
		ReceivedAt:   receivedAt,
	}
	switch len(p) {
	case sizeIndexFull:
		t.ExchangeTime = time.Unix(int64(u32(28)), 0)
	case sizeQuote, sizeFull:
		t.Volume = int64(u32(16))
		t.BuyQuantity = int64(u32(20))
		t.SellQuantity = int64(u32(24))
		if len(p) == sizeFull {
			if ts := u32(60); ts > 0 {
				t.ExchangeTime = time.Unix(int64(ts), 0)
			}
		}
	}
	if t.InstrumentID == 0 {
		return model.Tick{}, false
	}
	return t, true
}

// EncodeQuotePacket renders t as a 44-byte quote packet. Open, high, low and
// close are all set to the last price.
func EncodeQuotePacket(t model.Tick) []byte {
	token := uint32(t.InstrumentID)
	raw := uint32(int32(t.LastPrice.Shift(-priceExp(token)).IntPart()))

	p := make([]byte, sizeQuote)
	binary.BigEndian.PutUint32(p[0:4], token)
	binary.BigEndian.PutUint32(p[4:8], raw)
	binary.BigEndian.PutUint32(p[12:16], raw)
	binary.BigEndian.PutUint32(p[16:20], uint32(t.Volume))
	binary.BigEndian.PutUint32(p[20:24], uint32(t.BuyQuantity))
	binary.BigEndian.PutUint32(p[24:28], uint32(t.SellQuantity))
	for at := 28; at < sizeQuote; at += 4 {
		binary.BigEndian.PutUint32(p[at:at+4], raw)
	}
	return p
}

// EncodeFrame joins packets into one binary frame.
func EncodeFrame(packets ...[]byte) []byte {
	size := 2
	for _, p := range packets {
		size += 2 + len(p)
	}
	b := make([]byte, 2, size)
	binary.BigEndian.PutUint16(b[0:2], uint16(len(packets)))
	for _, p := range packets {
		b = binary.BigEndian.AppendUint16(b, uint16(len(p)))
		b = append(b, p...)
	}
	return b
}
