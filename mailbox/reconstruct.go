package mailbox

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/themadorg/cyruslite/filemap"
	"github.com/themadorg/cyruslite/internal/lockfile"
	"github.com/themadorg/cyruslite/mailboxlist"
	"github.com/themadorg/cyruslite/pathhash"
	"github.com/themadorg/cyruslite/recordcodec"
)

// reconstructUIDMargin is the fixed margin added to the highest observed
// UID and, when an old header was readable, to its last_uid; the larger
// of the two becomes the reconstructed last_uid.
const reconstructUIDMargin = 100

// cacheFieldCount is the number of packed fields a cache blob holds.
// Reconstruct, lacking a message-parser collaborator, synthesizes a blob
// of cacheFieldCount zero-length fields rather than parsing real header
// content.
const cacheFieldCount = 10

func emptyCacheBlob() []byte {
	return make([]byte, 4*cacheFieldCount)
}

var messageFileRe = regexp.MustCompile(`^([0-9]+)\.$`)

// flagAtomRe is a conservative IMAP atom check: reconstruct drops any
// user-flag name that doesn't look like one.
var flagAtomRe = regexp.MustCompile(`^[^\s()\[\]{}%*"\\]+$`)

// Reconstruct rebuilds index and cache from the message files plus any
// recoverable side-information. If the mailbox has no directory entry or
// header, it creates the shell first.
func Reconstruct(name, root, partition string, opts Options, ropts ReconstructOptions) (h *Handle, err error) {
	if verr := opts.Validate(); verr != nil {
		return nil, verr
	}

	path, err := ensureMailboxShell(name, root, partition, opts)
	if err != nil {
		return nil, err
	}

	headerPath := filepath.Join(path, pathhash.HeaderFileName)
	hf, err := os.OpenFile(headerPath, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mailbox: %w: open header: %v", ErrIOError, err)
	}
	defer hf.Close()
	if err := lockfile.Lock(hf); err != nil {
		return nil, fmt.Errorf("mailbox: %w: lock header: %v", ErrIOError, err)
	}
	defer lockfile.Unlock(hf)

	hdrBuf, err := os.ReadFile(headerPath)
	if err != nil {
		return nil, fmt.Errorf("mailbox: %w: read header: %v", ErrIOError, err)
	}
	fileHdr, legacy, derr := decodeFileHeader(hdrBuf)
	if derr != nil {
		fileHdr = FileHeader{UniqueID: makeUniqueID(name, uint32(time.Now().Unix()))}
	} else if legacy {
		fileHdr.UniqueID = makeUniqueID(name, uint32(time.Now().Unix()))
	}

	if root2, ok, ferr := opts.Quota.FindRoot(name); ferr == nil && ok {
		fileHdr.QuotaRoot = root2
	}
	fileHdr.Flags = filterValidFlags(fileHdr.Flags)
	newHdrBuf := encodeFileHeader(fileHdr)
	if err := hf.Truncate(0); err != nil {
		return nil, fmt.Errorf("mailbox: %w: truncate header: %v", ErrIOError, err)
	}
	if _, err := filemap.WriteAtRetry(hf, newHdrBuf, 0); err != nil {
		return nil, fmt.Errorf("mailbox: %w: write header: %v", ErrIOError, err)
	}
	if err := filemap.Fsync(hf); err != nil {
		return nil, fmt.Errorf("mailbox: %w: fsync header: %v", ErrIOError, err)
	}

	oldHdr, oldRecords, haveOld := tryReadOldIndex(path)

	uids, err := scanMessageUIDs(path)
	if err != nil {
		return nil, err
	}

	newRecords := make([]recordcodec.Record, 0, len(uids))
	var exists, deleted, answered, flagged uint32
	var quotaUsed int64

	for _, uid := range uids {
		rec, ok := findOldRecord(oldRecords, uid)
		if !ok {
			rec = recordcodec.Record{UID: uid}
			if side, sok := readSidecar(path, uid); sok {
				rec.InternalDate = uint32(side.internalDate)
				rec.SystemFlags = side.systemFlags
				if side.seen {
					_ = opts.SeenState.Reconstruct(fileHdr.UniqueID, "", uid)
				}
			}
		}

		fi, statErr := os.Stat(filepath.Join(path, pathhash.MessageFileName(uid)))
		if statErr != nil {
			if ropts.TolerateErrors {
				opts.Log.Debugln("reconstruct: skipping unreadable message", uid, statErr)
				continue
			}
			return nil, fmt.Errorf("mailbox: %w: stat message %d: %v", ErrIOError, uid, statErr)
		}
		if fi.Size() == 0 {
			opts.Log.Debugln("reconstruct: zero-length message file skipped", uid)
			continue
		}
		rec.Size = uint32(fi.Size())
		rec.CacheVersion = recordcodec.CacheMinorVer
		if rec.ContentLines == 0 {
			rec.ContentLines = recordcodec.ContentLinesUnknown
		}

		newRecords = append(newRecords, rec)
		exists++
		quotaUsed += int64(rec.Size)
		if rec.HasSystemFlag(recordcodec.FlagDeleted) {
			deleted++
		}
		if rec.HasSystemFlag(recordcodec.FlagAnswered) {
			answered++
		}
		if rec.HasSystemFlag(recordcodec.FlagFlagged) {
			flagged++
		}
	}

	newHdr := recordcodec.Header{
		Format:           recordcodec.FormatNormal,
		MinorVersion:     recordcodec.IndexMinorVer,
		StartOffset:      recordcodec.HeaderSize,
		RecordSize:       recordcodec.RecordSize,
		Exists:           exists,
		LastAppendDate:   uint32(time.Now().Unix()),
		QuotaMailboxUsed: uint32(quotaUsed),
		Deleted:          deleted,
		Answered:         answered,
		Flagged:          flagged,
		Pop3NewUIDL:      1,
	}
	if haveOld {
		newHdr.GenerationNo = oldHdr.GenerationNo + 1
		newHdr.UIDValidity = oldHdr.UIDValidity
		newHdr.Pop3LastLogin = oldHdr.Pop3LastLogin
	}
	if newHdr.UIDValidity == 0 || int64(newHdr.UIDValidity) > time.Now().Unix() {
		newHdr.UIDValidity = uint32(time.Now().Unix())
	}
	maxUID := uint32(0)
	for _, r := range newRecords {
		if r.UID > maxUID {
			maxUID = r.UID
		}
	}
	newHdr.LastUID = maxUID + reconstructUIDMargin
	if haveOld && oldHdr.LastUID+reconstructUIDMargin > newHdr.LastUID {
		newHdr.LastUID = oldHdr.LastUID + reconstructUIDMargin
	}

	idxTmp := filepath.Join(path, pathhash.IndexFileName+".NEW")
	cacheTmp := filepath.Join(path, pathhash.CacheFileName+".NEW")
	if err := writeReconstructedIndex(idxTmp, cacheTmp, newHdr, newRecords); err != nil {
		return nil, err
	}
	if err := os.Rename(idxTmp, filepath.Join(path, pathhash.IndexFileName)); err != nil {
		return nil, fmt.Errorf("mailbox: %w: rename reconstructed index: %v", ErrIOError, err)
	}
	if err := os.Rename(cacheTmp, filepath.Join(path, pathhash.CacheFileName)); err != nil {
		return nil, fmt.Errorf("mailbox: %w: rename reconstructed cache: %v", ErrIOError, err)
	}

	if ropts.Worklist != nil {
		discoverSiblingMailboxes(path, opts, ropts.Worklist)
	}

	opts.Metrics.RecordReconstruct()
	return Open(name, opts)
}

func ensureMailboxShell(name, root, partition string, opts Options) (string, error) {
	entry, err := opts.Directory.Lookup(name)
	if err == nil {
		if _, statErr := os.Stat(filepath.Join(entry.Path, pathhash.HeaderFileName)); statErr == nil {
			return entry.Path, nil
		}
		return entry.Path, seedHeaderShell(entry.Path, name)
	}
	if !errors.Is(err, mailboxlist.ErrNotFound) {
		return "", fmt.Errorf("mailbox: %w: directory lookup: %v", ErrInternal, err)
	}
	path, perr := pathhash.Path(root, name, opts.VirtDomains, opts.HashSpool)
	if perr != nil {
		return "", ErrPathTooLong
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return "", fmt.Errorf("mailbox: %w: mkdir: %v", ErrIOError, err)
	}
	if err := seedHeaderShell(path, name); err != nil {
		return "", err
	}
	uniqueID := makeUniqueID(name, uint32(time.Now().Unix()))
	if err := opts.Directory.Create(mailboxlist.Entry{
		Name: name, Path: path, Partition: partition, UniqueID: uniqueID, Type: mailboxlist.TypeMailbox,
	}); err != nil && !errors.Is(err, mailboxlist.ErrExists) {
		return "", fmt.Errorf("mailbox: %w: register shell: %v", ErrInternal, err)
	}
	return path, nil
}

func seedHeaderShell(path, name string) error {
	headerPath := filepath.Join(path, pathhash.HeaderFileName)
	if _, err := os.Stat(headerPath); err == nil {
		return nil
	}
	uniqueID := makeUniqueID(name, uint32(time.Now().Unix()))
	return writeNewFile(headerPath, encodeFileHeader(FileHeader{UniqueID: uniqueID}))
}

func filterValidFlags(flags []string) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		if f != "" && flagAtomRe.MatchString(f) {
			out[i] = f
		}
	}
	return out
}

func tryReadOldIndex(path string) (recordcodec.Header, []recordcodec.Record, bool) {
	buf, err := os.ReadFile(filepath.Join(path, pathhash.IndexFileName))
	if err != nil || len(buf) < recordcodec.HeaderSize {
		return recordcodec.Header{}, nil, false
	}
	hdr := recordcodec.DecodeHeader(buf)
	recSize := int(hdr.RecordSize)
	if recSize <= 0 {
		recSize = recordcodec.RecordSize
	}
	start := int(hdr.StartOffset)
	if start <= 0 {
		start = recordcodec.HeaderSize
	}
	var records []recordcodec.Record
	for off := start; off+recSize <= len(buf); off += recSize {
		records = append(records, recordcodec.DecodeRecord(buf[off:off+recSize]))
	}
	return hdr, records, true
}

func findOldRecord(records []recordcodec.Record, uid uint32) (recordcodec.Record, bool) {
	for _, r := range records {
		if r.UID == uid {
			return r, true
		}
	}
	return recordcodec.Record{}, false
}

func scanMessageUIDs(path string) ([]uint32, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("mailbox: %w: scan mailbox dir: %v", ErrIOError, err)
	}
	var uids []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := messageFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		uids = append(uids, uint32(n))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

type sidecarData struct {
	internalDate int64
	systemFlags  uint32
	seen         bool
}

// readSidecar parses "<uid>.ams_extra_data": a text "internaldate
// system_flags seen" triple.
func readSidecar(path string, uid uint32) (sidecarData, bool) {
	f, err := os.Open(filepath.Join(path, fmt.Sprintf("%d.ams_extra_data", uid)))
	if err != nil {
		return sidecarData{}, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return sidecarData{}, false
	}
	fields := strings.Fields(sc.Text())
	if len(fields) != 3 {
		return sidecarData{}, false
	}
	idate, err1 := strconv.ParseInt(fields[0], 10, 64)
	flags, err2 := strconv.ParseUint(fields[1], 10, 32)
	seen, err3 := strconv.ParseUint(fields[2], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return sidecarData{}, false
	}
	return sidecarData{internalDate: idate, systemFlags: uint32(flags), seen: seen != 0}, true
}

func writeReconstructedIndex(idxPath, cachePath string, hdr recordcodec.Header, records []recordcodec.Record) error {
	idxTmp, err := os.OpenFile(idxPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("mailbox: %w: create index.NEW: %v", ErrIOError, err)
	}
	defer idxTmp.Close()
	cacheTmp, err := os.OpenFile(cachePath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("mailbox: %w: create cache.NEW: %v", ErrIOError, err)
	}
	defer cacheTmp.Close()

	genBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(genBuf, hdr.GenerationNo)
	if _, err := filemap.RetryWrite(cacheTmp, genBuf); err != nil {
		return fmt.Errorf("mailbox: %w: write cache.NEW generation: %v", ErrIOError, err)
	}
	if _, err := filemap.RetryWrite(idxTmp, recordcodec.EncodeHeader(hdr)); err != nil {
		return fmt.Errorf("mailbox: %w: write index.NEW header: %v", ErrIOError, err)
	}

	cacheOff := int64(4)
	for _, rec := range records {
		blob := emptyCacheBlob()
		rec.CacheOffset = uint32(cacheOff)
		if _, err := filemap.RetryWrite(cacheTmp, blob); err != nil {
			return fmt.Errorf("mailbox: %w: write cache.NEW blob: %v", ErrIOError, err)
		}
		cacheOff += int64(len(blob))
		if _, err := filemap.RetryWrite(idxTmp, recordcodec.EncodeRecord(rec)); err != nil {
			return fmt.Errorf("mailbox: %w: write index.NEW record: %v", ErrIOError, err)
		}
	}
	if err := filemap.Fsync(idxTmp); err != nil {
		return fmt.Errorf("mailbox: %w: fsync index.NEW: %v", ErrIOError, err)
	}
	if err := filemap.Fsync(cacheTmp); err != nil {
		return fmt.Errorf("mailbox: %w: fsync cache.NEW: %v", ErrIOError, err)
	}
	return nil
}

// discoverSiblingMailboxes walks the immediate parent of path for other
// mailbox directories not yet known to the directory collaborator,
// appending their names to worklist. It does not recurse further itself.
func discoverSiblingMailboxes(path string, opts Options, worklist *[]string) {
	parent := filepath.Dir(path)
	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(parent, e.Name())
		if _, err := os.Stat(filepath.Join(sub, pathhash.HeaderFileName)); err != nil {
			continue
		}
		if _, lerr := opts.Directory.Lookup(e.Name()); lerr == nil {
			continue
		}
		*worklist = append(*worklist, e.Name())
	}
}
