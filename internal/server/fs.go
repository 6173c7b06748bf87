// Copyright (c) 2026 ToeiRei
// SFTPGate - SFTP authentication gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"
	"github.com/toeirei/sftpgate/internal/dispatch"
	"github.com/toeirei/sftpgate/internal/logging"
)

// homeFS serves one account's home directory to the sftp request server.
// Clients see the home as "/" and cannot leave it. Every file system call
// runs on the dispatcher.
type homeFS struct {
	root string
	user string
	addr string
	d    *dispatch.Dispatcher
	ctx  context.Context
}

var (
	_ sftp.FileReader           = (*homeFS)(nil)
	_ sftp.OpenFileWriter       = (*homeFS)(nil)
	_ sftp.PosixRenameFileCmder = (*homeFS)(nil)
	_ sftp.FileLister           = (*homeFS)(nil)
)

func newHomeFS(ctx context.Context, d *dispatch.Dispatcher, home, user, addr string) (*homeFS, error) {
	abs, err := filepath.Abs(home)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating home directory: %w", err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &homeFS{root: root, user: user, addr: addr, d: d, ctx: ctx}, nil
}

func (h *homeFS) handlers() sftp.Handlers {
	return sftp.Handlers{FileGet: h, FilePut: h, FileCmd: h, FileList: h}
}

// resolve maps a client path onto the local file system. Paths whose
// existing part resolves through a symlink to outside the home are refused.
func (h *homeFS) resolve(p string) (string, error) {
	full := filepath.Join(h.root, filepath.FromSlash(path.Clean("/"+p)))
	probe := full
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if !within(h.root, real) {
				return "", os.ErrPermission
			}
			return full, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe || !within(h.root, parent) {
			return full, nil
		}
		probe = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (h *homeFS) run(r *sftp.Request, fn func(ctx context.Context) error) error {
	return dispatch.Call(r.Context(), h.d, fn)
}

func (h *homeFS) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	var f *os.File
	err := h.run(r, func(context.Context) error {
		p, err := h.resolve(r.Filepath)
		if err != nil {
			return err
		}
		f, err = os.Open(p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h.track(f, r.Filepath), nil
}

func (h *homeFS) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	return h.open(r)
}

func (h *homeFS) OpenFile(r *sftp.Request) (sftp.WriterAtReaderAt, error) {
	return h.open(r)
}

func (h *homeFS) open(r *sftp.Request) (*transferFile, error) {
	pf := r.Pflags()
	flags := os.O_WRONLY
	if pf.Read {
		flags = os.O_RDWR
	}
	if pf.Creat {
		flags |= os.O_CREATE
	}
	if pf.Trunc {
		flags |= os.O_TRUNC
	}
	if pf.Excl {
		flags |= os.O_EXCL
	}
	var f *os.File
	err := h.run(r, func(context.Context) error {
		p, err := h.resolve(r.Filepath)
		if err != nil {
			return err
		}
		f, err = os.OpenFile(p, flags, 0o644)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h.track(f, r.Filepath), nil
}

func (h *homeFS) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Link", "Symlink":
		return sftp.ErrSSHFxOpUnsupported
	}
	err := h.run(r, func(context.Context) error {
		p, err := h.resolve(r.Filepath)
		if err != nil {
			return err
		}
		switch r.Method {
		case "Setstat":
			return h.setstat(r, p)
		case "Rename":
			target, err := h.resolve(r.Target)
			if err != nil {
				return err
			}
			if _, err := os.Lstat(target); err == nil {
				return os.ErrExist
			}
			return os.Rename(p, target)
		case "Rmdir":
			fi, err := os.Lstat(p)
			if err != nil {
				return err
			}
			if !fi.IsDir() {
				return fmt.Errorf("%s is not a directory", r.Filepath)
			}
			return os.Remove(p)
		case "Mkdir":
			return os.Mkdir(p, 0o755)
		case "Remove":
			fi, err := os.Lstat(p)
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return fmt.Errorf("%s is a directory", r.Filepath)
			}
			return os.Remove(p)
		}
		return sftp.ErrSSHFxOpUnsupported
	})
	h.logCmd(r, err)
	return err
}

func (h *homeFS) PosixRename(r *sftp.Request) error {
	err := h.run(r, func(context.Context) error {
		src, err := h.resolve(r.Filepath)
		if err != nil {
			return err
		}
		dst, err := h.resolve(r.Target)
		if err != nil {
			return err
		}
		return os.Rename(src, dst)
	})
	h.logCmd(r, err)
	return err
}

func (h *homeFS) setstat(r *sftp.Request, p string) error {
	flags := r.AttrFlags()
	attrs := r.Attributes()
	if flags.Size {
		if err := os.Truncate(p, int64(attrs.Size)); err != nil {
			return err
		}
	}
	if flags.Permissions {
		if err := os.Chmod(p, attrs.FileMode().Perm()); err != nil {
			return err
		}
	}
	if flags.Acmodtime {
		if err := os.Chtimes(p, attrs.AccessTime(), attrs.ModTime()); err != nil {
			return err
		}
	}
	return nil
}

func (h *homeFS) logCmd(r *sftp.Request, err error) {
	switch r.Method {
	case "Remove", "Rmdir", "Mkdir", "Rename", "PosixRename":
	default:
		return
	}
	if err != nil {
		logging.Warnf("sftp: %s %s failed for %s@%s: %v", strings.ToLower(r.Method), r.Filepath, h.user, h.addr, err)
		return
	}
	logging.Infof("sftp: %s %s by %s@%s", strings.ToLower(r.Method), r.Filepath, h.user, h.addr)
}

func (h *homeFS) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	var out listerat
	err := h.run(r, func(context.Context) error {
		p, err := h.resolve(r.Filepath)
		if err != nil {
			return err
		}
		switch r.Method {
		case "List":
			entries, err := os.ReadDir(p)
			if err != nil {
				return err
			}
			out = make(listerat, 0, len(entries))
			for _, e := range entries {
				fi, err := e.Info()
				if err != nil {
					continue
				}
				out = append(out, fi)
			}
			return nil
		case "Stat":
			fi, err := os.Stat(p)
			if err != nil {
				return err
			}
			out = listerat{fi}
			return nil
		case "Lstat":
			fi, err := os.Lstat(p)
			if err != nil {
				return err
			}
			out = listerat{fi}
			return nil
		}
		return sftp.ErrSSHFxOpUnsupported
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type listerat []os.FileInfo

func (l listerat) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

// transferFile counts the bytes moved through an open handle and logs the
// totals when the client closes it.
type transferFile struct {
	f     *os.File
	fs    *homeFS
	vpath string

	read    atomic.Int64
	written atomic.Int64
	once    sync.Once
}

func (h *homeFS) track(f *os.File, vpath string) *transferFile {
	return &transferFile{f: f, fs: h, vpath: vpath}
}

func (t *transferFile) ReadAt(p []byte, off int64) (int, error) {
	var n int
	err := dispatch.Call(t.fs.ctx, t.fs.d, func(context.Context) error {
		var err error
		n, err = t.f.ReadAt(p, off)
		return err
	})
	t.read.Add(int64(n))
	return n, err
}

func (t *transferFile) WriteAt(p []byte, off int64) (int, error) {
	var n int
	err := dispatch.Call(t.fs.ctx, t.fs.d, func(context.Context) error {
		var err error
		n, err = t.f.WriteAt(p, off)
		return err
	})
	t.written.Add(int64(n))
	return n, err
}

// TransferError is called by the request server when the connection drops
// with this handle still open.
func (t *transferFile) TransferError(err error) {
	logging.Warnf("sftp: transfer of %s for %s@%s interrupted: %v", t.vpath, t.fs.user, t.fs.addr, err)
}

func (t *transferFile) Close() error {
	var err error
	t.once.Do(func() {
		err = t.f.Close()
		logging.Infof("sftp: closed %s for %s@%s: read=%d written=%d", t.vpath, t.fs.user, t.fs.addr, t.read.Load(), t.written.Load())
	})
	return err
}
