package eviction

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
)

// writeMutationLog writes keys to path as a sequence of
// (uint32 length, bytes) records, the same "one key per log entry"
// shape original_source/src/mutation_log.h's MutationLog::newItem
// writes, simplified to a single batched write instead of an
// incrementally appended, block-checksummed log.
func writeMutationLog(path string, keys [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var lenBuf [4]byte
	for _, k := range keys {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(k)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(k); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readMutationLog reads back a file written by writeMutationLog, used
// by tests to confirm a scan's output.
func readMutationLog(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var keys [][]byte
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		keys = append(keys, buf)
	}
	return keys, nil
}
