// Package shm 通过按进程命名的共享内存段发布 RPC 端口。
//
// 段名为 modloader-server-pid-<pid>，内容恰好 4 字节，为小端序 uint32 端口号。
package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// SegmentSize 段的固定长度。
const SegmentSize = 4

var (
	// ErrNotPublished 表示目标进程尚未发布端口。
	ErrNotPublished = errors.New("shm: port not published")
	// ErrInvalidSegment 表示段内容不是合法的 4 字节端口。
	ErrInvalidSegment = errors.New("shm: invalid segment")
)

// Name 返回 pid 对应的段名。
func Name(pid int) string {
	return fmt.Sprintf("modloader-server-pid-%d", pid)
}

// Segment 是已发布的端口段，Close 后段被移除。
type Segment struct {
	pid    int
	port   int
	path   string
	closer func() error
}

// PID 返回发布者进程号。
func (s *Segment) PID() int {
	return s.pid
}

// Port 返回发布的端口。
func (s *Segment) Port() int {
	return s.port
}

// Path 返回段的文件路径。
func (s *Segment) Path() string {
	return s.path
}

// Close 释放映射并删除段，可重复调用。
func (s *Segment) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	closer := s.closer
	s.closer = nil
	err := closer()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.CombineErrors(err, rmErr)
	}
	return err
}

// Publish 为 pid 发布端口。
func Publish(pid, port int) (*Segment, error) {
	if port <= 0 || port > 0xFFFF {
		return nil, errors.Newf("shm: invalid port %d", port)
	}
	path := filepath.Join(segmentDirs()[0], Name(pid))
	closer, err := publish(path, uint32(port))
	if err != nil {
		return nil, errors.Wrapf(err, "shm: publish %s", path)
	}
	return &Segment{pid: pid, port: port, path: path, closer: closer}, nil
}

// Read 读取 pid 发布的端口。
func Read(pid int) (int, error) {
	for _, dir := range segmentDirs() {
		path := filepath.Join(dir, Name(pid))
		raw, err := read(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, errors.Wrapf(err, "shm: read %s", path)
		}
		return decode(raw)
	}
	return 0, errors.Wrapf(ErrNotPublished, "pid %d", pid)
}

// Unpublish 删除 pid 的段，用于清理异常退出进程遗留的段。
func Unpublish(pid int) error {
	var combined error
	for _, dir := range segmentDirs() {
		err := os.Remove(filepath.Join(dir, Name(pid)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			combined = errors.CombineErrors(combined, err)
		}
	}
	return combined
}

func encode(port uint32) []byte {
	buf := make([]byte, SegmentSize)
	binary.LittleEndian.PutUint32(buf, port)
	return buf
}

func decode(raw []byte) (int, error) {
	if len(raw) != SegmentSize {
		return 0, errors.Wrapf(ErrInvalidSegment, "size %d", len(raw))
	}
	port := binary.LittleEndian.Uint32(raw)
	if port == 0 {
		return 0, ErrNotPublished
	}
	if port > 0xFFFF {
		return 0, errors.Wrapf(ErrInvalidSegment, "port %d", port)
	}
	return int(port), nil
}
