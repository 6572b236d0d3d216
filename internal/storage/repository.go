package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"claudeq/internal/queue"
	logx "claudeq/pkg/logx"
)

// Bucket is one of the durable lifecycle groupings a record lives in.
// The bucket a file resides in is authoritative for terminal states;
// the queue bucket holds both queued and in-flight (executing) records.
type Bucket string

const (
	BucketQueue     Bucket = "queue"
	BucketCompleted Bucket = "completed"
	BucketFailed    Bucket = "failed"
)

var buckets = []Bucket{BucketQueue, BucketCompleted, BucketFailed}

const (
	tmpDirName        = "tmp"
	quarantineDirName = "quarantine"
	stateFileName     = "state.json"
)

var (
	ErrNotFound = errors.New("job not found")
)

// Repository stores job records as individual markdown files grouped by
// bucket, plus the singleton QueueState metadata record.
//
// All writes go through the tmp dir and are renamed into place, so a
// crash leaves at most one visible copy of a record, never a partial
// file and never two copies. The storage directory is single-writer:
// running two schedulers against it is undefined behavior.
type Repository struct {
	root string
	log  logx.Logger
}

// Open prepares the storage directory, creating the bucket layout if
// needed. A missing or unwritable root is a fatal error.
func Open(root string, log logx.Logger) (*Repository, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	root = filepath.Clean(root)
	for _, d := range []string{
		root,
		filepath.Join(root, string(BucketQueue)),
		filepath.Join(root, string(BucketCompleted)),
		filepath.Join(root, string(BucketFailed)),
		filepath.Join(root, tmpDirName),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("storage dir %s: %w", d, err)
		}
	}

	// Probe writability up front rather than failing mid-transition.
	probe := filepath.Join(root, tmpDirName, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return nil, fmt.Errorf("storage dir not writable: %w", err)
	}
	_ = os.Remove(probe)

	return &Repository{root: root, log: log}, nil
}

func (r *Repository) Root() string { return r.root }

// QueueDir is the pending bucket path (watched by the daemon for
// externally added records).
func (r *Repository) QueueDir() string { return filepath.Join(r.root, string(BucketQueue)) }

func (r *Repository) bucketDir(b Bucket) string { return filepath.Join(r.root, string(b)) }

// ---- Record operations ----

// Create writes a new job record into the queue bucket.
func (r *Repository) Create(j *queue.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if _, _, err := r.Find(j.ID); err == nil {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	return r.writeRecord(j, BucketQueue, RecordFilename(j))
}

// Update rewrites a record in place (same bucket). Used for log and
// metadata changes that do not change the lifecycle bucket.
func (r *Repository) Update(j *queue.Job) error {
	path, bucket, err := r.Find(j.ID)
	if err != nil {
		return err
	}
	return r.writeRecord(j, bucket, filepath.Base(path))
}

// Move commits a lifecycle transition: the record content is rewritten
// in its current bucket first (atomic tmp+rename), then the file is
// renamed into the target bucket. Both steps are single renames, so a
// crash at any point leaves exactly one copy visible.
func (r *Repository) Move(j *queue.Job, to Bucket) error {
	path, from, err := r.Find(j.ID)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	if err := r.writeRecord(j, from, name); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	dst := filepath.Join(r.bucketDir(to), name)
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("move %s %s -> %s: %w", j.ID, from, to, err)
	}
	r.log.Debug("record moved",
		logx.String("id", j.ID),
		logx.String("from", string(from)),
		logx.String("to", string(to)))
	return nil
}

// Delete permanently removes a record, wherever it lives.
func (r *Repository) Delete(id string) error {
	path, _, err := r.Find(id)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// Find locates a record by id across all buckets.
func (r *Repository) Find(id string) (path string, bucket Bucket, err error) {
	for _, b := range buckets {
		p, ok, err := r.findInBucket(b, id)
		if err != nil {
			return "", "", err
		}
		if ok {
			return p, b, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Get loads a single job by id.
func (r *Repository) Get(id string) (*queue.Job, Bucket, error) {
	path, bucket, err := r.Find(id)
	if err != nil {
		return nil, "", err
	}
	j, err := r.readRecord(path)
	if err != nil {
		return nil, "", err
	}
	return j, bucket, nil
}

// LoadPending loads the queue bucket. Records still marked executing
// are reset to queued (the process that set them never returned) and
// the reset is persisted with no other field altered. Records carrying
// a terminal status are half-finished moves and are renamed into their
// bucket. Corrupt records are quarantined with a warning, not fatal.
func (r *Repository) LoadPending() ([]*queue.Job, error) {
	return r.loadBucket(BucketQueue, true)
}

// List loads all records in the given bucket, sorted by (priority,
// createdAt, id). Corrupt records are skipped with a warning.
func (r *Repository) List(b Bucket) ([]*queue.Job, error) {
	return r.loadBucket(b, false)
}

func (r *Repository) loadBucket(b Bucket, recover bool) ([]*queue.Job, error) {
	dir := r.bucketDir(b)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read bucket %s: %w", b, err)
	}

	jobs := make([]*queue.Job, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		j, err := r.readRecord(path)
		if err != nil {
			r.quarantine(path, err)
			continue
		}

		// Terminal buckets are authoritative for their status.
		switch b {
		case BucketCompleted:
			j.Status = queue.StatusCompleted
		case BucketFailed:
			if j.Status != queue.StatusCancelled {
				j.Status = queue.StatusFailed
			}
		case BucketQueue:
			if recover && j.Status == queue.StatusExecuting {
				j.Status = queue.StatusQueued
				if err := r.writeRecord(j, b, e.Name()); err != nil {
					return nil, fmt.Errorf("recover %s: %w", j.ID, err)
				}
				r.log.Warn("recovered interrupted job", logx.String("id", j.ID))
			}
			// A terminal status here means a crash hit between the record
			// rewrite and the bucket rename of a Move. Finish the move.
			if recover && j.Status.Terminal() {
				to := BucketFailed
				if j.Status == queue.StatusCompleted {
					to = BucketCompleted
				}
				dst := filepath.Join(r.bucketDir(to), e.Name())
				if err := os.Rename(path, dst); err != nil {
					return nil, fmt.Errorf("finish move %s: %w", j.ID, err)
				}
				r.log.Warn("finished interrupted move",
					logx.String("id", j.ID),
					logx.String("to", string(to)))
				continue
			}
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		if ja.Priority != jb.Priority {
			return ja.Priority < jb.Priority
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return ja.ID < jb.ID
	})
	return jobs, nil
}

func (r *Repository) findInBucket(b Bucket, id string) (string, bool, error) {
	dir := r.bucketDir(b)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false, fmt.Errorf("read bucket %s: %w", b, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		if IDFromFilename(e.Name()) == id {
			return filepath.Join(dir, e.Name()), true, nil
		}
	}
	return "", false, nil
}

func (r *Repository) readRecord(path string) (*queue.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	j, err := DecodeJob(data, IDFromFilename(filepath.Base(path)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return j, nil
}

// writeRecord writes the record into tmp and renames it into the
// bucket. Enumeration never sees partially written files.
func (r *Repository) writeRecord(j *queue.Job, b Bucket, name string) error {
	data, err := EncodeJob(j)
	if err != nil {
		return err
	}
	dst := filepath.Join(r.bucketDir(b), name)
	return r.atomicWrite(dst, data)
}

func (r *Repository) atomicWrite(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(r.root, tmpDirName), filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("stage write: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("stage write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("stage write: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit %s: %w", filepath.Base(dst), err)
	}
	return nil
}

// quarantine isolates a corrupt record so the rest of the load
// proceeds. The file keeps its name under quarantine/.
func (r *Repository) quarantine(path string, cause error) {
	qdir := filepath.Join(r.root, quarantineDirName)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		r.log.Warn("quarantine dir", logx.Err(err))
		return
	}
	dst := filepath.Join(qdir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		r.log.Warn("quarantine failed", logx.String("file", filepath.Base(path)), logx.Err(err))
		return
	}
	r.log.Warn("corrupt record quarantined",
		logx.String("file", filepath.Base(path)),
		logx.Err(cause))
}
