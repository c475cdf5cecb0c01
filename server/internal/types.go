package internal

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Lifecycle of a single download request.
//
//	Queued -> Downloaded | Failed | Canceled | NeedsDuplicateDecision
//	NeedsDuplicateDecision -> any of the above except Queued
//
// Going back to Queued is only possible through an explicit retry.
type Status int

const (
	StatusQueued Status = iota
	StatusDownloaded
	StatusFailed
	StatusCanceled
	StatusNeedsDuplicateDecision
)

var statusNames = map[Status]string{
	StatusQueued:                 "queued",
	StatusDownloaded:             "downloaded",
	StatusFailed:                 "failed",
	StatusCanceled:               "canceled",
	StatusNeedsDuplicateDecision: "needs_duplicate_decision",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

// CanTransition reports whether the orchestrator is allowed to move a request
// from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next != StatusQueued
	case StatusNeedsDuplicateDecision:
		return next != StatusQueued
	case StatusDownloaded, StatusFailed, StatusCanceled:
		return false
	}
	return false
}

// What happens when the target file already exists.
type ResolutionPolicy int

const (
	ResolutionAskUser ResolutionPolicy = iota
	ResolutionOverwrite
	ResolutionSkip
	ResolutionSaveAsCopy
)

var resolutionNames = map[ResolutionPolicy]string{
	ResolutionAskUser:    "ask_user",
	ResolutionOverwrite:  "overwrite",
	ResolutionSkip:       "skip",
	ResolutionSaveAsCopy: "save_as_copy",
}

func (p ResolutionPolicy) String() string {
	if n, ok := resolutionNames[p]; ok {
		return n
	}
	return "resolution(" + strconv.Itoa(int(p)) + ")"
}

func (p ResolutionPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *ResolutionPolicy) UnmarshalText(b []byte) error {
	v, err := ParseResolutionPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func ParseResolutionPolicy(s string) (ResolutionPolicy, error) {
	for k, v := range resolutionNames {
		if v == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return ResolutionAskUser, fmt.Errorf("unknown resolution policy %q", s)
}

type NamingPolicy int

const (
	KeepServerName NamingPolicy = iota
	KeepOriginalName
)

func (n NamingPolicy) String() string {
	if n == KeepOriginalName {
		return "original"
	}
	return "server"
}

func (n NamingPolicy) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *NamingPolicy) UnmarshalText(b []byte) error {
	v, err := ParseNamingPolicy(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

func ParseNamingPolicy(s string) (NamingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "server":
		return KeepServerName, nil
	case "original":
		return KeepOriginalName, nil
	}
	return KeepServerName, fmt.Errorf("unknown naming policy %q", s)
}

// Directory layout and naming choices for a batch.
type Options struct {
	RootDirectory           string           `json:"rootDirectory"`
	AppendSiteName          bool             `json:"appendSiteName"`
	AppendBoardCode         bool             `json:"appendBoardCode"`
	AppendThreadID          bool             `json:"appendThreadId"`
	ExtraSubPath            string           `json:"extraSubPath,omitempty"`
	NamingPolicy            NamingPolicy     `json:"namingPolicy"`
	DefaultResolutionPolicy ResolutionPolicy `json:"defaultResolutionPolicy"`
}

// EffectiveResolution picks the batch wide policy unless it defers to the
// per request one.
func (o Options) EffectiveResolution(r *DownloadRequest) ResolutionPolicy {
	if o.DefaultResolutionPolicy != ResolutionAskUser {
		return o.DefaultResolutionPolicy
	}
	return r.ResolutionPolicy
}

// Identifies the post an image belongs to, stored as "site/board/thread/post".
type PostDescriptor struct {
	SiteName  string `json:"siteName"`
	BoardCode string `json:"boardCode"`
	ThreadNo  int64  `json:"threadNo"`
	PostNo    int64  `json:"postNo"`
}

func (p PostDescriptor) String() string {
	return fmt.Sprintf("%s/%s/%d/%d", p.SiteName, p.BoardCode, p.ThreadNo, p.PostNo)
}

func ParsePostDescriptor(s string) (PostDescriptor, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return PostDescriptor{}, fmt.Errorf("malformed post descriptor %q", s)
	}

	thread, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return PostDescriptor{}, fmt.Errorf("malformed thread number in %q: %w", s, err)
	}

	post, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return PostDescriptor{}, fmt.Errorf("malformed post number in %q: %w", s, err)
	}

	return PostDescriptor{
		SiteName:  parts[0],
		BoardCode: parts[1],
		ThreadNo:  thread,
		PostNo:    post,
	}, nil
}

func (p PostDescriptor) Value() (driver.Value, error) { return p.String(), nil }

func (p *PostDescriptor) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*p = PostDescriptor{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into PostDescriptor", src)
	}

	parsed, err := ParsePostDescriptor(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// One persisted (source url -> local file) unit of work.
type DownloadRequest struct {
	BatchID          string           `json:"batchId" db:"batch_id"`
	SourceFileName   string           `json:"sourceFileName" db:"source_server_name"`
	SourceURL        string           `json:"sourceUrl" db:"source_url"`
	DesiredFileName  *string          `json:"desiredFileName,omitempty" db:"desired_name"`
	Status           Status           `json:"status" db:"status"`
	DuplicatePath    *string          `json:"duplicatePath,omitempty" db:"duplicate_path"`
	ResolutionPolicy ResolutionPolicy `json:"resolutionPolicy" db:"resolution_policy"`
	CreatedAt        time.Time        `json:"createdAt" db:"created_at"`
	Post             PostDescriptor   `json:"post" db:"post_descriptor"`
	OriginalFileName *string          `json:"originalFileName,omitempty" db:"original_name"`
	Extension        *string          `json:"extension,omitempty" db:"extension"`
	FileSize         int64            `json:"fileSize" db:"file_size"`
	FileHash         *string          `json:"fileHash,omitempty" db:"file_hash"`
}

// Metadata is what the path resolver needs to know about the item.
func (r *DownloadRequest) Metadata() ItemMetadata {
	return ItemMetadata{
		Post:             r.Post,
		ServerFileName:   r.SourceFileName,
		OriginalFileName: deref(r.OriginalFileName),
		DesiredFileName:  deref(r.DesiredFileName),
		Extension:        deref(r.Extension),
		Size:             r.FileSize,
		Hash:             deref(r.FileHash),
	}
}

type ItemMetadata struct {
	Post             PostDescriptor
	ServerFileName   string
	OriginalFileName string
	DesiredFileName  string
	Extension        string
	Size             int64
	Hash             string
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Payload handed to notification consumers.
type ProgressSnapshot struct {
	BatchID                 string `json:"batchId"`
	Completed               bool   `json:"completed"`
	TotalCount              int    `json:"totalCount"`
	DownloadedCount         int    `json:"downloadedCount"`
	CanceledCount           int    `json:"canceledCount"`
	FailedCount             int    `json:"failedCount"`
	DuplicateCount          int    `json:"duplicateCount"`
	OutputDirectory         string `json:"outputDirectory,omitempty"`
	HasDirectoryAccessError bool   `json:"hasDirectoryAccessError"`
	HasOutOfDiskSpaceError  bool   `json:"hasOutOfDiskSpaceError"`
	HasRetryableFailures    bool   `json:"hasRetryableFailures"`
	Summary                 string `json:"summary,omitempty"`
}

// Processed is the number of items that already reached an outcome.
func (p ProgressSnapshot) Processed() int {
	return p.DownloadedCount + p.CanceledCount + p.FailedCount + p.DuplicateCount
}
