// Fail2ban NG - A Swiss made, intrusion prevention daemon.
//
// Copyright (C) 2026 Swissmakers GmbH (https://swissmakers.ch)
//
// Licensed under the GNU General Public License, Version 3 (GPL-3.0)
// You may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/gpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filter

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
	"golang.org/x/crypto/blake2b"
)

const (
	maxFileErrors = 50
	// Upper bound of lines read from one file per pass.
	maxLinesPerPass = 10000
)

// =========================================================================
//  File container
// =========================================================================

// One monitored log file and its read position.
type FileContainer struct {
	path string
	tail bool

	mu     sync.Mutex
	pos    int64
	hash   string
	inode  uint64
	size   int64
	mtime  time.Time
	errors int
}

// Opens path, records its identity and positions at the end when tail is set.
func NewFileContainer(path string, tail bool) (*FileContainer, error) {
	c := &FileContainer{path: path, tail: tail}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	fi, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	c.hash, err = firstLineHash(fh)
	if err != nil {
		return nil, err
	}
	c.inode = inodeOf(fi)
	c.size = fi.Size()
	c.mtime = fi.ModTime()
	if tail {
		c.pos = fi.Size()
	}
	return c, nil
}

func (c *FileContainer) Path() string { return c.path }

func (c *FileContainer) Hash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hash
}

func (c *FileContainer) Pos() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

func (c *FileContainer) SetPos(pos int64) {
	c.mu.Lock()
	c.pos = pos
	c.mu.Unlock()
}

// Hex blake2b-256 of the first line, "" for an empty file.
func firstLineHash(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if line == "" {
		return "", nil
	}
	sum := blake2b.Sum256([]byte(line))
	return hex.EncodeToString(sum[:]), nil
}

func inodeOf(fi fs.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}

// Reports whether the file changed since the last look.
func (c *FileContainer) Modified() (bool, error) {
	fi, err := os.Stat(c.path)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := fi.Size() != c.size || !fi.ModTime().Equal(c.mtime) || inodeOf(fi) != c.inode
	return changed || fi.Size() > c.pos, nil
}

// Reads the complete lines written since the last call. Rotation (new
// inode or first line) and truncation restart from the beginning.
func (c *FileContainer) ReadLines(limit int) ([]string, error) {
	fh, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	fi, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	hash, err := firstLineHash(fh)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	inode := inodeOf(fi)
	switch {
	case (hash != c.hash && c.hash != "") || inode != c.inode:
		log.Infof("Log rotation detected for %s, reason: hash %.12s -> %.12s, inode %d -> %d",
			c.path, c.hash, hash, c.inode, inode)
		c.pos = 0
	case fi.Size() < c.pos:
		log.Warningf("Log %s truncated, size %s < position %s, reading from start", c.path,
			humanize.Bytes(uint64(fi.Size())), humanize.Bytes(uint64(c.pos)))
		c.pos = 0
	}
	c.hash, c.inode, c.size, c.mtime = hash, inode, fi.Size(), fi.ModTime()

	if _, err := fh.Seek(c.pos, io.SeekStart); err != nil {
		return nil, err
	}
	rd := bufio.NewReader(fh)
	var lines []string
	for limit <= 0 || len(lines) < limit {
		line, err := rd.ReadString('\n')
		if err != nil {
			// a trailing partial line is read again once completed
			if errors.Is(err, io.EOF) {
				break
			}
			return lines, err
		}
		c.pos += int64(len(line))
		lines = append(lines, line)
	}
	return lines, nil
}

// =========================================================================
//  File set
// =========================================================================

type globPattern struct {
	pattern string
	base    string
	g       glob.Glob
	tail    bool
}

// Monitored files of a filter, including those matched by glob patterns.
type fileSet struct {
	f *Filter

	mu    sync.RWMutex
	files map[string]*FileContainer
	globs []globPattern
}

func newFileSet(f *Filter) *fileSet {
	return &fileSet{f: f, files: make(map[string]*FileContainer)}
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// Adds a log file or glob pattern. tail starts reading at the end of the
// file; otherwise reading resumes at the persisted position.
func (f *Filter) AddLogPath(path string, tail bool) error {
	if f.isJournal() {
		return ErrUnsupported
	}
	s := f.files
	if hasMeta(path) {
		g, err := glob.Compile(path, '/')
		if err != nil {
			return fmt.Errorf("invalid log path pattern %q: %w", path, err)
		}
		base := path[:strings.IndexAny(path, "*?[{")]
		base = filepath.Dir(base + "x")
		s.mu.Lock()
		s.globs = append(s.globs, globPattern{pattern: path, base: base, g: g, tail: tail})
		s.mu.Unlock()
		matched := s.expandGlobs()
		if matched == 0 {
			log.Warningf("[%s] No file(s) found for glob %s", f.jail.Name(), path)
		}
		return nil
	}
	return s.add(path, tail)
}

func (s *fileSet) add(path string, tail bool) error {
	s.mu.RLock()
	_, ok := s.files[path]
	s.mu.RUnlock()
	if ok {
		log.Errorf("[%s] %s already exists", s.f.jail.Name(), path)
		return nil
	}
	c, err := NewFileContainer(path, tail)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", path, err)
	}
	if store := s.f.logStore(); store != nil {
		pos, found, err := store.AddLog(context.Background(), s.f.jail.Name(), path, c.Hash(), 0)
		if err != nil {
			log.Errorf("[%s] Unable to read position of %s: %v", s.f.jail.Name(), path, err)
		} else if found && !tail {
			c.SetPos(pos)
		}
	}
	s.mu.Lock()
	s.files[path] = c
	s.mu.Unlock()
	log.Infof("[%s] Added logfile: %q (pos = %d, hash = %.12s)", s.f.jail.Name(), path, c.Pos(), c.Hash())
	if b := s.f.currentBackend(); b != nil {
		b.pathAdded(path)
	}
	return nil
}

// Adds new files matched by the glob patterns; returns the number matched.
func (s *fileSet) expandGlobs() int {
	s.mu.RLock()
	globs := append([]globPattern(nil), s.globs...)
	s.mu.RUnlock()
	matched := 0
	for _, gp := range globs {
		filepath.WalkDir(gp.base, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !gp.g.Match(p) {
				return nil
			}
			matched++
			s.mu.RLock()
			_, known := s.files[p]
			s.mu.RUnlock()
			if !known {
				if err := s.add(p, gp.tail); err != nil {
					log.Warningf("[%s] %v", s.f.jail.Name(), err)
				}
			}
			return nil
		})
	}
	return matched
}

// Stops monitoring path (or every file of a glob pattern).
func (f *Filter) DelLogPath(path string) error {
	s := f.files
	var removed []string
	s.mu.Lock()
	for i, gp := range s.globs {
		if gp.pattern == path {
			s.globs = append(s.globs[:i], s.globs[i+1:]...)
			for p := range s.files {
				if gp.g.Match(p) {
					removed = append(removed, p)
				}
			}
			break
		}
	}
	if _, ok := s.files[path]; ok {
		removed = append(removed, path)
	}
	for _, p := range removed {
		delete(s.files, p)
	}
	s.mu.Unlock()
	if len(removed) == 0 {
		return fmt.Errorf("%w: %s", ErrNotMonitored, path)
	}
	store := f.logStore()
	b := f.currentBackend()
	for _, p := range removed {
		if store != nil {
			if err := store.DelLog(context.Background(), f.jail.Name(), p); err != nil {
				log.Errorf("[%s] Unable to delete position of %s: %v", f.jail.Name(), p, err)
			}
		}
		if b != nil {
			b.pathRemoved(p)
		}
		log.Infof("[%s] Removed logfile: %q", f.jail.Name(), p)
	}
	return nil
}

// Returns the monitored file paths, sorted.
func (f *Filter) GetLogPaths() []string {
	s := f.files
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *fileSet) get(path string) *FileContainer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files[path]
}

func (s *fileSet) containers() []*FileContainer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FileContainer, 0, len(s.files))
	for _, c := range s.files {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// Reads and processes new lines of c, persisting the new position.
func (f *Filter) getFailures(c *FileContainer) {
	before := c.Pos()
	lines, err := c.ReadLines(maxLinesPerPass)
	if err != nil {
		f.fileError(c, err)
		if len(lines) == 0 {
			return
		}
	} else {
		c.mu.Lock()
		c.errors = 0
		c.mu.Unlock()
	}
	for _, line := range lines {
		f.ProcessLine(line, time.Time{})
	}
	if store := f.logStore(); store != nil && c.Pos() != before {
		if err := store.UpdateLog(context.Background(), f.jail.Name(), c.path, c.Hash(), c.Pos()); err != nil {
			log.Errorf("[%s] Unable to store position of %s: %v", f.jail.Name(), c.path, err)
		}
	}
}

// Counts an access error of c; too many in a row remove the file.
func (f *Filter) fileError(c *FileContainer, err error) {
	c.mu.Lock()
	c.errors++
	n := c.errors
	c.mu.Unlock()
	if n == 1 || n%10 == 0 {
		log.Errorf("[%s] Unable to read %s: %v", f.jail.Name(), c.path, err)
	}
	if n > maxFileErrors {
		log.Errorf("[%s] Too many errors. Remove file %q from monitoring process", f.jail.Name(), c.path)
		f.DelLogPath(c.path)
	}
}

// Reads every monitored file once; used at backend start and by tests.
func (f *Filter) readAll() {
	for _, c := range f.files.containers() {
		f.getFailures(c)
	}
}
