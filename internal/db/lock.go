package db

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	lockSuffix  = ".lock"
	lockTimeout = 500 * time.Millisecond
	pollMin     = 5 * time.Millisecond
	pollMax     = 50 * time.Millisecond
)

// fileLock is an advisory exclusive lock on a sidecar file. It serializes
// appends between histsync processes sharing one records database; the OS
// drops it when the holder exits.
type fileLock struct {
	f *os.File
}

// lockFile polls for the lock at path until timeout. The holder's pid is
// written into the file so a timed-out waiter can say who is in the way.
func lockFile(path string, timeout time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for wait := pollMin; ; wait = min(wait*2, pollMax) {
		if tryLock(f) == nil {
			lk := &fileLock{f: f}
			lk.stamp()
			return lk, nil
		}
		if time.Now().After(deadline) {
			holder := describeHolder(path)
			f.Close()
			return nil, fmt.Errorf("%w after %v (held by %s)", ErrLocked, timeout, holder)
		}
		time.Sleep(wait)
	}
}

func (lk *fileLock) stamp() {
	_ = lk.f.Truncate(0)
	_, _ = lk.f.WriteAt([]byte(fmt.Sprintf("%d %d\n", os.Getpid(), time.Now().Unix())), 0)
}

func (lk *fileLock) unlock() {
	if lk == nil || lk.f == nil {
		return
	}
	_ = lk.f.Truncate(0)
	unlockFile(lk.f)
	lk.f.Close()
	lk.f = nil
}

// describeHolder renders the "<pid> <unix seconds>" stamp of the current
// holder for error messages.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown process"
	}
	fields := bytes.Fields(data)
	if len(fields) != 2 {
		return "unknown process"
	}
	pid, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		return "unknown process"
	}
	desc := "pid " + string(fields[0])
	if secs, err := strconv.ParseInt(string(fields[1]), 10, 64); err == nil {
		desc += " since " + time.Unix(secs, 0).Format(time.RFC3339)
	}
	if !processAlive(pid) {
		desc += ", stale"
	}
	return desc
}
