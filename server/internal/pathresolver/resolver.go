package pathresolver

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/fsutil"
)

const (
	DefaultExtension = "jpg"
	// separates the segments of the user supplied sub path
	SubPathSeparator = `\`
)

type Kind int

const (
	DirectoryReady Kind = iota
	AlreadyExists
	DirectoryError
)

func (k Kind) String() string {
	switch k {
	case DirectoryReady:
		return "directory_ready"
	case AlreadyExists:
		return "already_exists"
	case DirectoryError:
		return "directory_error"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

type Result struct {
	Kind Kind
	Dir  string
	Path string
	// set for DirectoryError
	Reason error
}

var (
	ErrNoRootDirectory = errors.New("root directory is not set")
	ErrInvalidSubPath  = errors.New("invalid sub path")

	segmentRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]*$`)
)

// ValidateSubPath checks a backslash separated list of directory names. Blank
// segments are only accepted at the very end.
func ValidateSubPath(subPath string) error {
	if subPath == "" {
		return nil
	}

	segments := strings.Split(subPath, SubPathSeparator)
	for i, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			if i == len(segments)-1 {
				continue
			}
			return fmt.Errorf("%w: blank segment at position %d", ErrInvalidSubPath, i)
		}
		if !segmentRegex.MatchString(seg) {
			return fmt.Errorf("%w: segment %q contains illegal characters", ErrInvalidSubPath, seg)
		}
	}
	return nil
}

// Segments returns the directories to append to the root, in order: site,
// board, thread, then the extra sub path.
func Segments(opts internal.Options, meta internal.ItemMetadata) ([]string, error) {
	if err := ValidateSubPath(opts.ExtraSubPath); err != nil {
		return nil, err
	}

	var segments []string

	if opts.AppendSiteName {
		segments = append(segments, cleanSegment(meta.Post.SiteName))
	}
	if opts.AppendBoardCode {
		segments = append(segments, cleanSegment(meta.Post.BoardCode))
	}
	if opts.AppendThreadID {
		segments = append(segments, strconv.FormatInt(meta.Post.ThreadNo, 10))
	}

	for _, seg := range strings.Split(opts.ExtraSubPath, SubPathSeparator) {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		segments = append(segments, seg)
	}

	return segments, nil
}

// FileName picks the output base name and appends the extension.
func FileName(opts internal.Options, meta internal.ItemMetadata) string {
	name := meta.ServerFileName
	if opts.NamingPolicy == internal.KeepOriginalName && strings.TrimSpace(meta.OriginalFileName) != "" {
		name = meta.OriginalFileName
	}
	if strings.TrimSpace(meta.DesiredFileName) != "" {
		name = meta.DesiredFileName
	}

	name = cleanFileName(name)
	if name == "" {
		name = "image"
	}

	ext := strings.TrimPrefix(strings.TrimSpace(meta.Extension), ".")
	if ext == "" {
		ext = DefaultExtension
	}

	return name + "." + cleanFileName(ext)
}

// Target computes the output directory and file without touching the disk.
func Target(opts internal.Options, meta internal.ItemMetadata) (dir string, path string, err error) {
	if strings.TrimSpace(opts.RootDirectory) == "" {
		return "", "", ErrNoRootDirectory
	}

	segments, err := Segments(opts, meta)
	if err != nil {
		return "", "", err
	}

	dir = filepath.Join(append([]string{opts.RootDirectory}, segments...)...)
	path = filepath.Join(dir, FileName(opts, meta))
	return dir, path, nil
}

// Resolve builds the output directory tree and tells whether a non empty
// file already sits at the target path. Empty files are reported as ready
// and get overwritten.
func Resolve(fsys fsutil.FileSystem, opts internal.Options, meta internal.ItemMetadata) Result {
	dir, path, err := Target(opts, meta)
	if err != nil {
		return Result{Kind: DirectoryError, Dir: opts.RootDirectory, Reason: err}
	}

	if err := fsys.MkdirAll(dir); err != nil {
		return Result{
			Kind:   DirectoryError,
			Dir:    dir,
			Path:   path,
			Reason: fmt.Errorf("failed to create %s: %w", dir, err),
		}
	}

	if fsutil.Length(fsys, path) > 0 {
		return Result{Kind: AlreadyExists, Dir: dir, Path: path}
	}

	return Result{Kind: DirectoryReady, Dir: dir, Path: path}
}

// NextFreeCopy returns the first "name_(N).ext" sibling of path that does not
// exist yet, starting from N=1.
func NextFreeCopy(fsys fsutil.FileSystem, path string) string {
	var (
		dir  = filepath.Dir(path)
		ext  = filepath.Ext(path)
		base = strings.TrimSuffix(filepath.Base(path), ext)
	)

	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_(%d)%s", base, n, ext))
		if !fsutil.Exists(fsys, candidate) {
			return candidate
		}
	}
}

func cleanFileName(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
}

func cleanSegment(s string) string {
	s = cleanFileName(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
