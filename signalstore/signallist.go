// Package signalstore implements the core's publish/subscribe layer: a
// registry B-tree of per-(domain,key) FIFO signal lists, each backed by a
// broadcast-release semaphore, with insert/fetch/fetch_newest/flush built
// on a wait-and-broadcast handshake. The head record is removed only by
// the last waiter still registered when it leaves, so every consumer
// blocked on the same signal observes the value before it goes away.
package signalstore

import "encoding/binary"

// SignalList layout, little-endian, SignalListSize bytes:
//
//	0  : domain               uint32
//	4  : key                  uint32
//	8  : head                 uint32 (offset of first SignalData, or End)
//	12 : tail                 uint32 (offset of last SignalData, or End)
//	16 : currentSignalCount   uint32
//	20 : totalSignalSize      uint32
//	24 : semaphore            lock.Size bytes (16)
const (
	offDomain             = 0
	offKey                = 4
	offHead               = 8
	offTail               = 12
	offCurrentSignalCount = 16
	offTotalSignalSize    = 20
	offSemaphore          = 24

	// SignalListSize is the fixed size of a SignalList control block.
	SignalListSize = 40

	// End marks an empty head/tail.
	End = 0
)

// SignalData header layout, little-endian, HeaderSize bytes, followed
// inline by messageSize bytes of payload.
const (
	offNextMessage = 0
	offMessageSize = 4

	// HeaderSize is the fixed size of a SignalData header.
	HeaderSize = 8
)

type provider interface {
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
}

func readSignalList(p provider, offset uint32) (domain, key, head, tail, count, totalSize uint32, err error) {
	var buf [SignalListSize]byte
	if err := p.ReadAt(offset, buf[:]); err != nil {
		return 0, 0, 0, 0, 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[offDomain:]),
		binary.LittleEndian.Uint32(buf[offKey:]),
		binary.LittleEndian.Uint32(buf[offHead:]),
		binary.LittleEndian.Uint32(buf[offTail:]),
		binary.LittleEndian.Uint32(buf[offCurrentSignalCount:]),
		binary.LittleEndian.Uint32(buf[offTotalSignalSize:]),
		nil
}

func writeSignalListFields(p provider, offset, head, tail, count, totalSize uint32) error {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], head)
	binary.LittleEndian.PutUint32(buf[4:8], tail)
	binary.LittleEndian.PutUint32(buf[8:12], count)
	binary.LittleEndian.PutUint32(buf[12:16], totalSize)
	return p.WriteAt(offset+offHead, buf[:])
}

func writeSignalListHeader(p provider, offset, domain, key uint32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], domain)
	binary.LittleEndian.PutUint32(buf[4:8], key)
	return p.WriteAt(offset+offDomain, buf[:])
}

func readSignalDataHeader(p provider, offset uint32) (next, size uint32, err error) {
	var buf [HeaderSize]byte
	if err := p.ReadAt(offset, buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[offNextMessage:]), binary.LittleEndian.Uint32(buf[offMessageSize:]), nil
}

func writeSignalDataHeader(p provider, offset, next, size uint32) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[offNextMessage:], next)
	binary.LittleEndian.PutUint32(buf[offMessageSize:], size)
	return p.WriteAt(offset, buf[:])
}
