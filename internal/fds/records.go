package fds

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/IvanBrykalov/fdscache/store"
)

// ErrBadRecord reports a Fortran record whose length markers disagree or
// exceed the configured bound.
var ErrBadRecord = errors.New("fds: malformed record")

// ReadRecords splits a Fortran unformatted sequential file into its
// records. Each record is framed by a little-endian uint32 byte count
// before and after the payload.
func ReadRecords(rd io.Reader, maxRecord int) (store.Records, error) {
	br := bufio.NewReader(rd)
	var (
		out  store.Records
		mark [4]byte
	)
	for i := 0; ; i++ {
		if _, err := io.ReadFull(br, mark[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("record %d header: %w", i, err)
		}
		n := binary.LittleEndian.Uint32(mark[:])
		if maxRecord > 0 && uint64(n) > uint64(maxRecord) {
			return nil, fmt.Errorf("%w: record %d is %d bytes", ErrBadRecord, i, n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("record %d payload: %w", i, err)
		}
		if _, err := io.ReadFull(br, mark[:]); err != nil {
			return nil, fmt.Errorf("record %d trailer: %w", i, err)
		}
		if tail := binary.LittleEndian.Uint32(mark[:]); tail != n {
			return nil, fmt.Errorf("%w: record %d header %d != trailer %d", ErrBadRecord, i, n, tail)
		}
		out = append(out, buf)
	}
}
