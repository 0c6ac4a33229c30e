package sshtest

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/pkg/sftp"
)

// rootedFS serves SFTP requests from a local directory. Remote absolute paths
// are resolved below root.
type rootedFS struct {
	root string

	mu        sync.Mutex
	failClose map[string]error
}

// closeFailingFile reports err when the client closes the handle.
type closeFailingFile struct {
	*os.File
	err error
}

func (f *closeFailingFile) Close() error {
	f.File.Close()
	return f.err
}

func (fs *rootedFS) handlers() sftp.Handlers {
	return sftp.Handlers{FileGet: fs, FilePut: fs, FileCmd: fs, FileList: fs}
}

func (fs *rootedFS) local(p string) string {
	return filepath.Join(fs.root, filepath.FromSlash(path.Clean("/"+p)))
}

func (fs *rootedFS) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	return os.Open(fs.local(r.Filepath))
}

func (fs *rootedFS) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	p := fs.local(r.Filepath)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}

	pflags := r.Pflags()
	flags := os.O_WRONLY
	if pflags.Creat {
		flags |= os.O_CREATE
	}
	if pflags.Trunc {
		flags |= os.O_TRUNC
	}
	if pflags.Excl {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	closeErr := fs.failClose[path.Clean("/"+r.Filepath)]
	fs.mu.Unlock()
	if closeErr != nil {
		return &closeFailingFile{File: f, err: closeErr}, nil
	}
	return f, nil
}

func (fs *rootedFS) Filecmd(r *sftp.Request) error {
	p := fs.local(r.Filepath)
	switch r.Method {
	case "Setstat":
		attrs := r.AttrFlags()
		if attrs.Permissions {
			if err := os.Chmod(p, r.Attributes().FileMode().Perm()); err != nil {
				return err
			}
		}
		if attrs.Size {
			return os.Truncate(p, int64(r.Attributes().Size))
		}
		return nil
	case "Rename":
		return os.Rename(p, fs.local(r.Target))
	case "Remove", "Rmdir":
		return os.Remove(p)
	case "Mkdir":
		return os.Mkdir(p, 0o755)
	}
	return sftp.ErrSSHFxOpUnsupported
}

func (fs *rootedFS) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	p := fs.local(r.Filepath)
	switch r.Method {
	case "List":
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				return nil, err
			}
			infos = append(infos, info)
		}
		return listerAt(infos), nil
	case "Stat", "Lstat":
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		return listerAt{info}, nil
	}
	return nil, sftp.ErrSSHFxOpUnsupported
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}
