package proxy

import (
	"errors"
	"io"
	"os"
	"sync"
)

// spoolReader 将上游正文边读边写入临时文件。fasthttp 写完响应后调用 Close，
// 此时只有完整读取的正文才会交给 onComplete，否则临时文件被删除。
type spoolReader struct {
	body     io.ReadCloser
	file     *os.File
	expected int64

	read     int64
	eof      bool
	spoolErr error
	readErr  error

	onComplete func(path string, size int64)
	onDiscard  func(path string, reason error)
	closeOnce  sync.Once
}

var errIncompleteStream = errors.New("stream ended before upstream body completed")

// newSpoolReader 在 dir 下创建临时文件；dir 为空时使用系统临时目录。
// 文件名沿用磁盘缓存的临时前缀，进程异常退出后的残留由过期清理回收。
func newSpoolReader(dir string, body io.ReadCloser, expected int64) (*spoolReader, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.CreateTemp(dir, ".cache-spool-*")
	if err != nil {
		return nil, err
	}
	return &spoolReader{
		body:     body,
		file:     file,
		expected: expected,
	}, nil
}

func (s *spoolReader) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 {
		s.read += int64(n)
		if s.spoolErr == nil {
			if _, werr := s.file.Write(p[:n]); werr != nil {
				s.spoolErr = werr
			}
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.eof = true
		} else {
			s.readErr = err
		}
	}
	return n, err
}

// complete 在读到 EOF 或已读满上游声明的长度时成立；声明长度时读取量必须一致。
func (s *spoolReader) complete() bool {
	if s.readErr != nil {
		return false
	}
	if s.expected >= 0 {
		return s.read == s.expected
	}
	return s.eof
}

func (s *spoolReader) Close() error {
	var bodyErr error
	s.closeOnce.Do(func() {
		bodyErr = s.body.Close()
		closeErr := s.file.Close()
		path := s.file.Name()

		var reason error
		switch {
		case s.spoolErr != nil:
			reason = s.spoolErr
		case closeErr != nil:
			reason = closeErr
		case s.readErr != nil:
			reason = s.readErr
		case !s.complete():
			reason = errIncompleteStream
		}

		if reason != nil {
			os.Remove(path)
			if s.onDiscard != nil {
				s.onDiscard(path, reason)
			}
			return
		}
		if s.onComplete != nil {
			s.onComplete(path, s.read)
			return
		}
		os.Remove(path)
	})
	return bodyErr
}
