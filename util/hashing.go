package util

import (
	"encoding/binary"
	"hash/fnv"
)

// WorkerSeed derives a stable random seed for a worker of a session.
func WorkerSeed(session string, workerId uint32) int64 {
	idBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBytes, workerId)

	algorithm := fnv.New64a()
	algorithm.Write([]byte(session))
	algorithm.Write(idBytes)
	return int64(algorithm.Sum64() >> 1)
}
