//go:build !unix

package shm

import "os"

func mmapFile(file *os.File, size int) ([]byte, error) {
	return nil, ErrUnsupported
}

func munmapImpl(data []byte) error {
	return ErrUnsupported
}
