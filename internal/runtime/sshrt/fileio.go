package sshrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/muxhq/mux/internal/runtime"
	"golang.org/x/crypto/ssh"
)

// ReadFile streams the remote file through a `cat` session.
func (r *Runtime) ReadFile(_ context.Context, p string) (io.ReadCloser, error) {
	p = r.NormalizePath(p)

	session, err := r.client.NewSession()
	if err != nil {
		return nil, runtime.NewFileIOError(fmt.Errorf("ssh session: %w", err))
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, runtime.NewFileIOError(fmt.Errorf("stdout pipe: %w", err))
	}
	if err := session.Start("cat -- " + shq(p)); err != nil {
		session.Close()
		return nil, runtime.NewFileIOError(fmt.Errorf("open %s: %w", p, err))
	}

	return &sessionReader{session: session, r: stdout}, nil
}

type sessionReader struct {
	session *ssh.Session
	r       io.Reader
}

func (s *sessionReader) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *sessionReader) Close() error {
	err := s.session.Wait()
	s.session.Close()
	if err != nil {
		return runtime.NewFileIOError(fmt.Errorf("read: %w", err))
	}
	return nil
}

// Stat runs `stat` remotely and parses size, mtime and the directory flag.
// GNU coreutils syntax is tried first, then the BSD form so macOS hosts work
// too.
func (r *Runtime) Stat(_ context.Context, p string) (runtime.FileStat, error) {
	p = r.NormalizePath(p)
	cmd := "stat -c '%s %Y %F' -- " + shq(p) + " 2>/dev/null || stat -f '%z %m %HT' " + shq(p)
	out, stderr, err := r.output(cmd)
	if err != nil {
		return runtime.FileStat{}, runtime.NewFileIOError(fmt.Errorf("stat %s: %v: %s", p, err, strings.TrimSpace(stderr)))
	}

	fields := strings.SplitN(strings.TrimSpace(out), " ", 3)
	if len(fields) < 3 {
		return runtime.FileStat{}, runtime.NewFileIOError(fmt.Errorf("stat %s: unexpected output %q", p, out))
	}
	size, _ := strconv.ParseInt(fields[0], 10, 64)
	mtime, _ := strconv.ParseInt(fields[1], 10, 64)
	return runtime.FileStat{
		Size:    size,
		ModTime: time.Unix(mtime, 0),
		IsDir:   strings.Contains(strings.ToLower(fields[2]), "directory"),
	}, nil
}

// WriteFile streams into a remote temporary sibling and renames it into
// place on Close, preserving the atomic-write guarantee over the wire.
// Symlinks are resolved remotely first and pre-existing permission bits are
// captured and reapplied.
func (r *Runtime) WriteFile(_ context.Context, p string) (runtime.FileWriter, error) {
	p = r.NormalizePath(p)

	// readlink -f resolves through an existing link chain. A missing file
	// keeps the given path; so does a readlink without -f (older BSDs),
	// where the write then replaces the link itself.
	if out, _, err := r.output("readlink -f -- " + shq(p) + " 2>/dev/null"); err == nil {
		if resolved := strings.TrimSpace(out); resolved != "" {
			p = resolved
		}
	}

	// GNU syntax first, then the BSD form.
	mode := ""
	if out, _, err := r.output("stat -c %a -- " + shq(p) + " 2>/dev/null || stat -f %Lp " + shq(p) + " 2>/dev/null"); err == nil {
		mode = strings.TrimSpace(out)
	}

	tmp := fmt.Sprintf("%s.tmp.%d", p, time.Now().UnixNano())

	session, err := r.client.NewSession()
	if err != nil {
		return nil, runtime.NewFileIOError(fmt.Errorf("ssh session: %w", err))
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, runtime.NewFileIOError(fmt.Errorf("stdin pipe: %w", err))
	}

	script := "mkdir -p " + shq(path.Dir(p)) + " && cat > " + shq(tmp)
	if mode != "" {
		script += " && chmod " + mode + " " + shq(tmp)
	}
	script += " && mv -- " + shq(tmp) + " " + shq(p)

	if err := session.Start(script); err != nil {
		session.Close()
		return nil, runtime.NewFileIOError(fmt.Errorf("open temp for %s: %w", p, err))
	}

	return &sshFileWriter{rt: r, session: session, stdin: stdin, tmp: tmp, target: p}, nil
}

type sshFileWriter struct {
	rt      *Runtime
	session *ssh.Session
	stdin   io.WriteCloser
	tmp     string
	target  string
	closed  bool
}

func (w *sshFileWriter) Write(p []byte) (int, error) {
	n, err := w.stdin.Write(p)
	if err != nil {
		return n, runtime.NewFileIOError(err)
	}
	return n, nil
}

func (w *sshFileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.stdin.Close()
	err := w.session.Wait()
	w.session.Close()
	if err != nil {
		w.discard()
		return runtime.NewFileIOError(fmt.Errorf("write %s: %w", w.target, err))
	}
	return nil
}

func (w *sshFileWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.stdin.Close()
	w.session.Close()
	w.discard()
	return runtime.NewFileIOError(errors.New("file write aborted"))
}

func (w *sshFileWriter) discard() {
	_, _, _ = w.rt.output("rm -f -- " + shq(w.tmp))
}
